package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"jobledger/internal/domain"
	"jobledger/internal/engine/auth"
	"jobledger/internal/events"
	"jobledger/internal/repo"
)

// InitMarketplace creates the settings singleton. The owner is fixed for the
// life of the workspace.
func (e Engine) InitMarketplace(ctx context.Context, owner string, feePercent int) (domain.Settings, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Settings{}, fmt.Errorf("%w: owner required", ErrInvalidInput)
	}
	if feePercent < 0 || feePercent > 100 {
		return domain.Settings{}, ErrInvalidFee
	}
	ctx, span := tracer.Start(ctx, "engine.InitMarketplace")
	defer span.End()
	if e.writeMu != nil {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settings{}, err
	}
	defer tx.Rollback()

	r := e.Repo.Tx(tx)
	if _, err := r.GetSettings(ctx); err == nil {
		return domain.Settings{}, ErrAlreadyInitialized
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Settings{}, err
	}
	s := domain.Settings{
		Owner:              owner,
		PlatformFeePercent: feePercent,
		UpdatedAt:          e.timestamp(),
	}
	if err := r.InsertSettings(ctx, s); err != nil {
		return domain.Settings{}, err
	}
	if _, err := e.Events.Append(ctx, tx, domain.EventMarketplaceInitialized, "marketplace", "", owner, events.EventPayload{
		"owner":                owner,
		"platform_fee_percent": feePercent,
	}); err != nil {
		return domain.Settings{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settings{}, err
	}
	e.logger().InfoContext(ctx, "marketplace initialized", "owner", owner, "platform_fee_percent", feePercent)
	return s, nil
}

func (e Engine) Settings(ctx context.Context) (domain.Settings, error) {
	s, err := e.Repo.GetSettings(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return s, ErrNotInitialized
	}
	return s, err
}

func (e Engine) IsOwner(ctx context.Context, identity string) (bool, error) {
	s, err := e.Settings(ctx)
	if err != nil {
		return false, err
	}
	return auth.Guard{Settings: s}.IsOwner(identity), nil
}

// UpdatePlatformFee sets the percentage applied to future completions.
func (e Engine) UpdatePlatformFee(ctx context.Context, feePercent int, actorID string) (domain.Settings, error) {
	var out domain.Settings
	err := e.write(ctx, "UpdatePlatformFee", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireOwner("update platform fee", actorID); err != nil {
			return err
		}
		if feePercent < 0 || feePercent > 100 {
			return ErrInvalidFee
		}
		s := g.Settings
		previous := s.PlatformFeePercent
		s.PlatformFeePercent = feePercent
		s.UpdatedAt = e.timestamp()
		if err := r.UpdateSettings(ctx, s); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventPlatformFeeUpdated, "marketplace", "", actorID, events.EventPayload{
			"previous": previous,
			"new_fee":  feePercent,
		}); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (e Engine) Pause(ctx context.Context, actorID string) (domain.Settings, error) {
	return e.setPaused(ctx, true, actorID)
}

func (e Engine) Unpause(ctx context.Context, actorID string) (domain.Settings, error) {
	return e.setPaused(ctx, false, actorID)
}

// setPaused flips the pause switch. Pausing a paused marketplace fails with
// auth.ErrPaused and unpausing a running one with auth.ErrNotPaused.
func (e Engine) setPaused(ctx context.Context, paused bool, actorID string) (domain.Settings, error) {
	action, evtType := "pause", domain.EventPaused
	if !paused {
		action, evtType = "unpause", domain.EventUnpaused
	}
	var out domain.Settings
	err := e.write(ctx, action, func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireOwner(action, actorID); err != nil {
			return err
		}
		check := g.RequireNotPaused
		if !paused {
			check = g.RequirePaused
		}
		if err := check(action); err != nil {
			return err
		}
		s := g.Settings
		s.Paused = paused
		s.UpdatedAt = e.timestamp()
		if err := r.UpdateSettings(ctx, s); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, evtType, "marketplace", "", actorID, nil); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err == nil {
		e.logger().InfoContext(ctx, "marketplace pause state", "paused", out.Paused, "actor", actorID)
	}
	return out, err
}

// PlatformBalance returns the accumulated platform fees.
func (e Engine) PlatformBalance(ctx context.Context) (int64, error) {
	b, err := e.Repo.PlatformBalance(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrNotInitialized
	}
	return b, err
}
