package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"genrelay/internal/config"
	"genrelay/internal/daemon"
	"genrelay/internal/ipc"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/router"
	"genrelay/internal/store"
	"genrelay/internal/testsupport"
)

type noTabs struct{}

func (noTabs) Query(context.Context, string) ([]router.Tab, error) { return nil, nil }
func (noTabs) Create(context.Context, string) (router.Tab, error) {
	return router.Tab{}, context.Canceled
}
func (noTabs) Focus(context.Context, int) error                  { return nil }
func (noTabs) Send(context.Context, int, messages.Message) error { return nil }

type discardOutbound struct{}

func (discardOutbound) Emit(context.Context, messages.Message) error { return nil }
func (discardOutbound) EmitTo(context.Context, string, messages.Message) error {
	return nil
}

type upProber struct{}

func (upProber) Probe(context.Context) error { return nil }

type cliTestEnv struct {
	cfg        *config.Config
	store      *store.Store
	daemon     *daemon.Daemon
	socketPath string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	base := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(base), "config.toml")
	writeTestConfig(t, configPath, base, target.URL)

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	jobStore := testsupport.MustOpenStore(t, cfg)

	logger := logging.NewNop()
	d, err := daemon.New(cfg, daemon.Deps{
		Store:     jobStore,
		Tabs:      noTabs{},
		Outbound:  discardOutbound{},
		NetProber: upProber{},
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logger)
	if err != nil {
		cancel()
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})

	return &cliTestEnv{
		cfg:        cfg,
		store:      jobStore,
		daemon:     d,
		socketPath: cfg.SocketPath(),
		configPath: configPath,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config, targetURL string) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q
download_dir = %q

[server]
listen = "127.0.0.1:0"

[target]
main_url = %q

[network]
probe_address = %q
netlink = false
`,
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		cfg.Paths.DownloadDir,
		targetURL,
		cfg.Network.ProbeAddress,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
