package app

import (
	"log/slog"

	"jobledger/internal/config"
	"jobledger/internal/engine"
	"jobledger/internal/payout"
)

// NewDisburser picks the payout destination configured for the workspace.
func NewDisburser(cfg config.PayoutConfig) engine.Disburser {
	if cfg.Mode == config.PayoutModeWebhook {
		return payout.HTTPDisburser{URL: cfg.URL, CheckURL: cfg.CheckURL, Secret: cfg.Secret}
	}
	return payout.LedgerDisburser{}
}

// NewPayoutWorker builds the background settlement worker for e.
func NewPayoutWorker(e engine.Engine, cfg config.PayoutConfig, log *slog.Logger) payout.Worker {
	attempts := cfg.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return payout.Worker{
		Settler:     e,
		Logger:      log,
		Interval:    cfg.IntervalDuration(),
		MaxAttempts: uint(attempts),
	}
}
