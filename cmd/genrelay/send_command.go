package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"genrelay/internal/config"
	"genrelay/internal/ipc"
	"genrelay/internal/messages"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var prompt string
	var requestID string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "send <type> [payload-json]",
		Short: "Inject a message into the daemon",
		Long: "Inject a message into the daemon as if a worker or control client sent it.\n" +
			"START_GENERATION jobs are completed with the [generation] defaults; use --prompt\n" +
			"to compose one without writing JSON.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) > 1 {
				raw = args[1]
			}
			msg, err := buildMessage(ctx.configValue(), args[0], raw, prompt)
			if err != nil {
				return err
			}
			if strings.TrimSpace(requestID) != "" {
				msg = msg.WithRequestID(requestID)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Dispatch(msg)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Result)
				}
				printDispatch(cmd.OutOrStdout(), msg, resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt for a START_GENERATION job")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request id to attach to the message")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the dispatch result as JSON")
	return cmd
}

// buildMessage parses the type and payload arguments into a message.
func buildMessage(cfg *config.Config, typeArg, rawPayload, prompt string) (messages.Message, error) {
	t := messages.Type(strings.ToUpper(strings.TrimSpace(typeArg)))
	if !messages.KnownType(t) {
		return messages.Message{}, fmt.Errorf("unknown message type %q", typeArg)
	}

	payload := map[string]any{}
	if strings.TrimSpace(rawPayload) != "" {
		if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
			return messages.Message{}, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	if t == messages.TypeStartGeneration {
		if err := applyGenerationDefaults(cfg, payload, prompt); err != nil {
			return messages.Message{}, err
		}
	} else if prompt != "" {
		return messages.Message{}, errors.New("--prompt only applies to START_GENERATION")
	}

	if len(payload) == 0 {
		return messages.Message{Type: t}, nil
	}
	return messages.New(t, payload)
}

// applyGenerationDefaults fills the job id, prompt, and generation
// parameters a START_GENERATION payload leaves out.
func applyGenerationDefaults(cfg *config.Config, payload map[string]any, prompt string) error {
	job, _ := payload["job"].(map[string]any)
	if job == nil {
		if _, present := payload["job"]; present {
			return errors.New("payload job must be a JSON object")
		}
		job = map[string]any{}
	}
	if prompt != "" {
		job["prompt"] = prompt
	}
	if s, _ := job["prompt"].(string); strings.TrimSpace(s) == "" {
		return errors.New("START_GENERATION needs a prompt (use --prompt or job.prompt)")
	}
	if id, _ := job["id"].(string); strings.TrimSpace(id) == "" {
		job["id"] = "job-" + uuid.NewString()
	}

	params, _ := job["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	gen := config.Default().Generation
	if cfg != nil {
		gen = cfg.Generation
	}
	setDefault(params, "imageCount", gen.ImageCount)
	setDefault(params, "seed", gen.Seed)
	setDefault(params, "fileNameTemplate", gen.FileNameTemplate)
	job["parameters"] = params
	payload["job"] = job
	return nil
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func printDispatch(out io.Writer, sent messages.Message, resp *ipc.DispatchResponse) {
	result := resp.Result
	fmt.Fprintf(out, "Sent %s (route: %s, handled: %s)\n", sent.Type, result.Route, yesNo(result.Handled))
	if result.Outcome != nil {
		line := "Effect: " + string(result.Outcome.Effect)
		if result.Outcome.TabID != 0 {
			line += fmt.Sprintf(" (tab %d)", result.Outcome.TabID)
		}
		if result.Outcome.Code != "" {
			line += fmt.Sprintf(" [%s]", result.Outcome.Code)
		}
		if result.Outcome.Detail != "" {
			line += ": " + result.Outcome.Detail
		}
		if result.Outcome.Delay > 0 {
			line += fmt.Sprintf(" after %s", result.Outcome.Delay)
		}
		fmt.Fprintln(out, line)
	}
	if d := result.Detection; d != nil && d.Detected && d.Message != nil && d.Message.IsOnline != nil {
		state := "offline"
		if *d.Message.IsOnline {
			state = "online"
		}
		fmt.Fprintf(out, "Network change detected: %s\n", state)
	}
	if f := result.Flapping; f != nil && !f.Detected {
		fmt.Fprintf(out, "Network report ignored as flapping (%s)\n", f.Reason)
	}
	if result.Paused != nil {
		fmt.Fprintf(out, "Paused jobs: %d\n", len(result.Paused.PausedJobs))
	}
	if result.Resume != nil {
		fmt.Fprintf(out, "Resumes scheduled: %d (%d immediate)\n", result.Resume.TotalJobs, result.Resume.Immediate)
	}
	for _, reply := range result.Replies {
		fmt.Fprintf(out, "Reply %s %s\n", reply.Type, string(reply.Payload))
	}
}
