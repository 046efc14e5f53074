package preflight

import (
	"context"

	"genrelay/internal/config"
	"genrelay/internal/store"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes every check that applies to cfg. Network checks are
// skipped when skipNetwork is set.
func RunAll(ctx context.Context, cfg *config.Config, kv store.KV, skipNetwork bool) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Download directory", cfg.Paths.DownloadDir),
		CheckStorage(ctx, "Paused job storage ("+cfg.Storage.Backend+")", kv),
	}

	if cfg.Server.OpenerCommand != "" {
		results = append(results, CheckCommand("Tab opener", cfg.Server.OpenerCommand))
	}

	if !skipNetwork {
		results = append(results,
			CheckTCP(ctx, "Connectivity probe", cfg.Network.ProbeAddress),
			CheckTarget(ctx, "Generation site", cfg.Target.MainURL),
		)
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
