package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"jobledger/internal/domain"
	"jobledger/internal/engine/auth"
	"jobledger/internal/events"
	"jobledger/internal/repo"
)

// SplitBudget divides budget into the platform fee and the freelancer payment.
// The fee rounds toward zero and fee+payment always equals budget. The
// computation never forms budget*feePercent, so it is safe for any int64.
func SplitBudget(budget int64, feePercent int) (fee, payment int64, err error) {
	if budget < 0 {
		return 0, 0, fmt.Errorf("%w: negative budget", ErrInvalidInput)
	}
	if feePercent < 0 || feePercent > 100 {
		return 0, 0, ErrInvalidFee
	}
	f := int64(feePercent)
	fee = (budget/100)*f + (budget%100)*f/100
	return fee, budget - fee, nil
}

// Completion is the outcome of CompleteJob.
type Completion struct {
	Job     domain.Job    `json:"job"`
	Payout  domain.Payout `json:"payout"`
	Fee     int64         `json:"fee"`
	Payment int64         `json:"payment"`
}

// CompleteJob settles an InProgress job. The amount must equal the budget.
// The status change, both ledger credits, the payout reservation and the
// JobCompleted event commit together or not at all; a destination that
// refuses funds rolls everything back.
func (e Engine) CompleteJob(ctx context.Context, jobID, amount int64, actorID string) (Completion, error) {
	if err := requireActor(actorID); err != nil {
		return Completion{}, err
	}
	var out Completion
	err := e.write(ctx, "CompleteJob", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("complete job"); err != nil {
			return err
		}
		job, err := r.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := auth.RequireEmployer("complete job", job, actorID); err != nil {
			return err
		}
		if err := ensureJobTransition(job.Status, domain.JobCompleted); err != nil {
			return err
		}
		if job.SelectedFreelancer == nil {
			return fmt.Errorf("job %d has no selected freelancer: %w", jobID, ErrJobNotInProgress)
		}
		if amount != job.Budget {
			return fmt.Errorf("%w: got %d, budget %d", ErrIncorrectPaymentAmount, amount, job.Budget)
		}
		fee, payment, err := SplitBudget(job.Budget, g.Settings.PlatformFeePercent)
		if err != nil {
			return err
		}
		freelancer := *job.SelectedFreelancer

		if e.Disburser != nil {
			if err := e.Disburser.CanReceive(ctx, freelancer); err != nil {
				return fmt.Errorf("%w: %v", ErrPayoutRejected, err)
			}
		}

		now := e.timestamp()
		job.Status = domain.JobCompleted
		job.StatusName = job.Status.String()
		job.IsActive = false
		job.UpdatedAt = now
		if err := r.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := r.CreditBalance(ctx, freelancer, payment); err != nil {
			return err
		}
		if err := r.CreditPlatform(ctx, fee); err != nil {
			return err
		}
		p := domain.Payout{
			ID:         uuid.NewString(),
			JobID:      jobID,
			Freelancer: freelancer,
			Amount:     payment,
			Fee:        fee,
			Status:     domain.PayoutPending,
			CreatedAt:  now,
		}
		if err := r.InsertPayout(ctx, p); err != nil {
			return fmt.Errorf("reserve payout: %w", err)
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventJobCompleted, "job", jobEntityID(jobID), actorID, events.EventPayload{
			"job_id":     jobID,
			"freelancer": freelancer,
			"payment":    payment,
			"fee":        fee,
			"payout_id":  p.ID,
		}); err != nil {
			return err
		}
		out = Completion{Job: job, Payout: p, Fee: fee, Payment: payment}
		return nil
	})
	if err != nil {
		return Completion{}, err
	}
	e.logger().InfoContext(ctx, "job completed",
		"job_id", jobID, "freelancer", out.Payout.Freelancer, "payment", out.Payment, "fee", out.Fee, "payout_id", out.Payout.ID)
	return out, nil
}

// BalanceOf returns the identity's accumulated escrow credits.
func (e Engine) BalanceOf(ctx context.Context, identity string) (domain.Balance, error) {
	return e.Repo.GetBalance(ctx, identity)
}

func (e Engine) ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error) {
	return e.Repo.ListPayouts(ctx, status, limit)
}

func (e Engine) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	return e.Repo.GetPayout(ctx, id)
}

// JobPayout returns the payout reserved when the job completed. Jobs that
// never completed have none and yield repo.ErrNotFound.
func (e Engine) JobPayout(ctx context.Context, jobID int64) (domain.Payout, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return domain.Payout{}, err
	}
	return e.Repo.GetPayoutByJob(ctx, jobID)
}

// SettlePayout hands a pending payout to the disburser and records the
// outcome. Settled payouts are returned unchanged. The disburser call happens
// outside the write lock; it is keyed by payout id so a repeated call after a
// crash is safe.
func (e Engine) SettlePayout(ctx context.Context, id string) (domain.Payout, error) {
	ctx, span := tracer.Start(ctx, "engine.SettlePayout")
	defer span.End()
	span.SetAttributes(attribute.String("payout.id", id))

	p, err := e.Repo.GetPayout(ctx, id)
	if err != nil {
		return domain.Payout{}, err
	}
	if p.Status == domain.PayoutSettled {
		return p, nil
	}

	if e.Disburser != nil {
		if derr := e.Disburser.Disburse(ctx, p); derr != nil {
			span.RecordError(derr)
			span.SetStatus(codes.Error, derr.Error())
			if err := e.recordPayoutFailure(ctx, id, derr); err != nil {
				return domain.Payout{}, errors.Join(derr, err)
			}
			e.logger().WarnContext(ctx, "payout disbursement failed", "payout_id", id, "job_id", p.JobID, "err", derr)
			return domain.Payout{}, fmt.Errorf("disburse payout %s: %w", id, derr)
		}
	}

	err = e.write(ctx, "MarkPayoutSettled", func(ctx context.Context, tx *sql.Tx, r repo.Repo, _ auth.Guard) error {
		settledAt := e.timestamp()
		updated, err := r.MarkPayoutSettled(ctx, id, settledAt)
		if err != nil {
			return err
		}
		if !updated {
			return nil
		}
		_, err = e.Events.Append(ctx, tx, domain.EventPayoutSettled, "payout", id, "system", events.EventPayload{
			"payout_id":  id,
			"job_id":     p.JobID,
			"freelancer": p.Freelancer,
			"amount":     p.Amount,
		})
		return err
	})
	if err != nil {
		return domain.Payout{}, err
	}
	e.logger().InfoContext(ctx, "payout settled", "payout_id", id, "job_id", p.JobID, "amount", p.Amount)
	return e.Repo.GetPayout(ctx, id)
}

func (e Engine) recordPayoutFailure(ctx context.Context, id string, cause error) error {
	return e.write(ctx, "RecordPayoutFailure", func(ctx context.Context, _ *sql.Tx, r repo.Repo, _ auth.Guard) error {
		return r.RecordPayoutFailure(ctx, id, cause.Error())
	})
}
