package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genrelay/internal/config"
)

const userAgent = "genrelay/0.1.0"

// Event names a notification kind.
type Event string

const (
	EventLoginRequired  Event = "login_required"
	EventJobsPaused     Event = "jobs_paused"
	EventJobsResumed    Event = "jobs_resumed"
	EventDownloadFailed Event = "download_failed"
	EventError          Event = "error"
	EventTest           Event = "test"
)

// Payload carries event fields. Unknown keys are ignored.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		toggles:  cfg.Notifications,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	toggles  config.Notifications
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	if n == nil || !n.enabled(event) {
		return nil
	}
	msg, ok := format(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) enabled(event Event) bool {
	switch event {
	case EventLoginRequired:
		return n.toggles.Login
	case EventJobsPaused, EventJobsResumed:
		return n.toggles.Network
	case EventDownloadFailed:
		return n.toggles.Downloads
	case EventError:
		return n.toggles.Errors
	}
	return true
}

func format(event Event, data Payload) (payload, bool) {
	switch event {
	case EventLoginRequired:
		job := text(data, "jobId")
		message := "Login required; generation paused"
		if job != "" {
			message = fmt.Sprintf("Login required; paused job %s", job)
		}
		return payload{
			title:    "genrelay - Login Required",
			message:  message,
			tags:     []string{"genrelay", "login", "paused"},
			priority: "high",
		}, true
	case EventJobsPaused:
		return payload{
			title:   "genrelay - Offline",
			message: fmt.Sprintf("Network offline; paused %d job(s)", count(data, "count")),
			tags:    []string{"genrelay", "network", "paused"},
		}, true
	case EventJobsResumed:
		return payload{
			title:   "genrelay - Back Online",
			message: fmt.Sprintf("Network restored; resumed %d job(s)", count(data, "count")),
			tags:    []string{"genrelay", "network", "resumed"},
		}, true
	case EventDownloadFailed:
		message := fmt.Sprintf("Download failed: %s", text(data, "fileName"))
		if reason := text(data, "error"); reason != "" {
			message += "\n" + reason
		}
		return payload{
			title:   "genrelay - Download Failed",
			message: message,
			tags:    []string{"genrelay", "download", "failed"},
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("Error")
		if label := text(data, "context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if reason := text(data, "error"); reason != "" {
			builder.WriteString(reason)
		} else {
			builder.WriteString("unknown")
		}
		return payload{
			title:    "genrelay - Error",
			message:  builder.String(),
			tags:     []string{"genrelay", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return payload{
			title:    "genrelay - Test",
			message:  "Notification system test",
			tags:     []string{"genrelay", "test"},
			priority: "low",
		}, true
	}
	return payload{}, false
}

func text(data Payload, key string) string {
	if data == nil {
		return ""
	}
	switch v := data[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func count(data Payload, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
