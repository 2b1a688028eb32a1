package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"jobledger/internal/domain"
)

const (
	defaultInterval    = 5 * time.Second
	defaultMaxAttempts = 5
	defaultBatch       = 50
)

// Settler is the part of the engine the worker drives.
type Settler interface {
	ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error)
	SettlePayout(ctx context.Context, id string) (domain.Payout, error)
}

// Worker periodically settles pending payouts, retrying each one with
// exponential backoff.
type Worker struct {
	Settler     Settler
	Logger      *slog.Logger
	Interval    time.Duration
	MaxAttempts uint
	// BackOff builds the retry schedule for one payout. Defaults to
	// backoff.NewExponentialBackOff.
	BackOff func() backoff.BackOff
}

func (w Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run settles pending payouts until ctx is cancelled.
func (w Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.SettlePending(ctx); err != nil && ctx.Err() == nil {
			w.logger().WarnContext(ctx, "payout sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SettlePending makes one pass over pending payouts and returns how many were
// settled. A payout that exhausts its retries stays pending for the next pass.
func (w Worker) SettlePending(ctx context.Context) (int, error) {
	pending, err := w.Settler.ListPayouts(ctx, domain.PayoutPending, defaultBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if err := w.settle(ctx, p); err != nil {
			w.logger().WarnContext(ctx, "payout not settled", "payout_id", p.ID, "job_id", p.JobID, "err", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (w Worker) settle(ctx context.Context, p domain.Payout) error {
	maxTries := w.MaxAttempts
	if maxTries == 0 {
		maxTries = defaultMaxAttempts
	}
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	if w.BackOff != nil {
		b = w.BackOff()
	}
	_, err := backoff.Retry(ctx, func() (domain.Payout, error) {
		out, err := w.Settler.SettlePayout(ctx, p.ID)
		if errors.Is(err, ErrRejected) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return err
}
