package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/config"
	"github.com/flowscribe/flowscribe/internal/store"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func retryPolicyFromConfig(cfg config.RetryConfig) store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
	}
}

func openFlowStore(cfg config.Config) (store.FlowStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path, retryPolicyFromConfig(cfg.Storage.Retry))
	case "postgres":
		return store.NewPostgresStore(cfg.Storage.DSN, cfg.Storage.MaxConns, retryPolicyFromConfig(cfg.Storage.Retry))
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeFlowStoreWithWarning(st store.FlowStore, errOut io.Writer) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close flow store: %v\n", err)
	}
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timeOr(value time.Time, fallback string) string {
	if value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
