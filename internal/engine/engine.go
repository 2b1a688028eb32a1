package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"jobledger/internal/domain"
	"jobledger/internal/engine/auth"
	"jobledger/internal/events"
	"jobledger/internal/repo"
)

var tracer = otel.Tracer("jobledger/internal/engine")

var (
	ErrNotInitialized         = errors.New("marketplace not initialized")
	ErrAlreadyInitialized     = errors.New("marketplace already initialized")
	ErrAlreadyRegistered      = errors.New("profile already exists")
	ErrNotRegistered          = errors.New("profile not registered")
	ErrJobNotOpen             = errors.New("job is not open")
	ErrJobNotInProgress       = errors.New("job is not in progress")
	ErrJobNotCompleted        = errors.New("job is not completed")
	ErrNoSuchApplication      = errors.New("applicant has no application for job")
	ErrIncorrectPaymentAmount = errors.New("incorrect payment amount")
	ErrInvalidFee             = errors.New("platform fee must be between 0 and 100")
	ErrInvalidRating          = errors.New("rating must be between 1 and 5")
	ErrAlreadyRated           = errors.New("job already rated")
	ErrPayoutRejected         = errors.New("payout destination rejected funds")
	ErrInvalidInput           = errors.New("invalid input")
)

// Disburser moves reserved payouts to their destination outside the ledger.
// CanReceive runs inside the completion transaction; Disburse runs afterwards
// and must be idempotent on Payout.ID.
type Disburser interface {
	CanReceive(ctx context.Context, identity string) error
	Disburse(ctx context.Context, p domain.Payout) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Disburser Disburser
	Logger    *slog.Logger
	Now       func() time.Time

	validate *validator.Validate
	writeMu  *sync.Mutex
}

func New(db *sql.DB) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		writeMu:  &sync.Mutex{},
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// writeFunc runs inside a serialized write transaction with a guard built from
// the settings row read in that same transaction.
type writeFunc func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error

// write serializes every mutation: one writer at a time in this process, and
// an immediate SQLite transaction against other processes. Any error from fn
// rolls the whole unit back.
func (e Engine) write(ctx context.Context, op string, fn writeFunc) error {
	ctx, span := tracer.Start(ctx, "engine."+op)
	defer span.End()
	if e.writeMu != nil {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
	}
	err := e.runTx(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e Engine) runTx(ctx context.Context, fn writeFunc) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r := e.Repo.Tx(tx)
	settings, err := r.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotInitialized
		}
		return err
	}
	if err := fn(ctx, tx, r, auth.Guard{Settings: settings}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) check(v any) error {
	validate := e.validate
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: caller identity required", ErrInvalidInput)
	}
	return nil
}

// EventsAfter returns committed events with ids greater than after, oldest first.
func (e Engine) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, after)
}
