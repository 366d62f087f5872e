package main

import (
	"fmt"
	"log/slog"

	"github.com/convomirror/convomirror/internal/api"
	"github.com/convomirror/convomirror/internal/config"
	"github.com/convomirror/convomirror/internal/engine"
	"github.com/convomirror/convomirror/internal/telemetry"
)

// buildEngine wires credentials, the API client and the sync engine from the
// active configuration.
func buildEngine() (*engine.Engine, error) {
	base := config.GetString("api-base")
	if base == "" {
		return nil, fmt.Errorf("api-base not configured; run 'cvm init' first")
	}
	token := config.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("no API token configured; run 'cvm init' or set CVM_TOKEN")
	}

	creds := api.NewTokenCredentials(base, token, nil)
	client := api.NewClient(base, creds, nil)

	cfg := engine.Config{
		Root:          config.Root(),
		PageSize:      config.GetInt("page-size"),
		Concurrency:   config.GetInt("fetch-concurrency"),
		RetryAttempts: config.GetInt("retry-attempts"),
		RetryBase:     config.GetDuration("retry-base"),
		LockTimeout:   config.GetDuration("lock-timeout"),
	}
	return engine.New(client, creds, cfg, slog.Default(), telemetry.NewSyncMetrics()), nil
}
