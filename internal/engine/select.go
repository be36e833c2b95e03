package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SelectConfig holds the settings needed to pick an engine.
type SelectConfig struct {
	Mode       string // auto, cli, api, local, stub
	BinaryPath string
	APIURL     string
	APIKey     string
}

// Select builds the engine named by cfg.Mode. In auto mode the CLI is used
// when the binary is on PATH, then the API server when a URL is configured,
// and the local extractor otherwise.
func Select(ctx context.Context, cfg SelectConfig, logger *zap.Logger) (Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case "cli":
		return NewCLIEngine(cfg.BinaryPath, logger), nil
	case "api":
		if cfg.APIURL == "" {
			return nil, fmt.Errorf("engine mode api requires engine.api_url")
		}
		return NewAPIEngine(cfg.APIURL, cfg.APIKey, logger), nil
	case "local":
		return NewLocalEngine(logger), nil
	case "stub":
		return StubEngine{}, nil
	case "", "auto":
		if cli := NewCLIEngine(cfg.BinaryPath, logger); cli.Available(ctx) {
			return cli, nil
		}
		if cfg.APIURL != "" {
			return NewAPIEngine(cfg.APIURL, cfg.APIKey, logger), nil
		}
		logger.Warn("mineru not found, using local text extraction")
		return NewLocalEngine(logger), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
