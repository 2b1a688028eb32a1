package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"jobledger/internal/config"
	"jobledger/internal/domain"
	"jobledger/internal/engine"
)

// EnsureMarketplace returns the stored settings, initializing them from cfg
// when the workspace has none. ownerOverride wins over the configured owner.
// An existing owner is never changed; a differing configured owner is only
// logged.
func EnsureMarketplace(ctx context.Context, e engine.Engine, cfg *config.Config, ownerOverride string, log *slog.Logger) (domain.Settings, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	owner := strings.TrimSpace(ownerOverride)
	if owner == "" {
		owner = strings.TrimSpace(cfg.Marketplace.Owner)
	}

	s, err := e.Settings(ctx)
	if err == nil {
		if owner != "" && owner != s.Owner {
			log.WarnContext(ctx, "configured owner differs from stored owner; keeping stored owner",
				"configured", owner, "stored", s.Owner)
		}
		return s, nil
	}
	if !errors.Is(err, engine.ErrNotInitialized) {
		return domain.Settings{}, err
	}
	if owner == "" {
		return domain.Settings{}, fmt.Errorf("marketplace not initialized; set marketplace.owner in %s or pass --owner", config.FileName)
	}
	s, err = e.InitMarketplace(ctx, owner, cfg.Marketplace.PlatformFeePercent)
	if errors.Is(err, engine.ErrAlreadyInitialized) {
		return e.Settings(ctx)
	}
	return s, err
}
