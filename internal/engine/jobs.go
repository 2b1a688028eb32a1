package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"jobledger/internal/domain"
	"jobledger/internal/engine/auth"
	"jobledger/internal/events"
	"jobledger/internal/repo"
)

type JobPostOptions struct {
	Title       string `validate:"required,max=200"`
	Description string `validate:"max=10000"`
	Budget      int64  `validate:"gte=0"`
	ActorID     string `validate:"required"`
}

type ApplyOptions struct {
	JobID         int64  `validate:"gte=0"`
	Proposal      string `validate:"max=10000"`
	ProposedPrice int64  `validate:"gte=0"`
	ActorID       string `validate:"required"`
}

func jobEntityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// PostJob creates an Open job under the next sequential id.
func (e Engine) PostJob(ctx context.Context, opts JobPostOptions) (domain.Job, error) {
	if err := e.check(opts); err != nil {
		return domain.Job{}, err
	}
	var out domain.Job
	err := e.write(ctx, "PostJob", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("post job"); err != nil {
			return err
		}
		if err := requireRegistered(ctx, r, opts.ActorID); err != nil {
			return err
		}
		id, err := r.AllocateJobID(ctx)
		if err != nil {
			return err
		}
		now := e.timestamp()
		job := domain.Job{
			ID:          id,
			Employer:    opts.ActorID,
			Title:       opts.Title,
			Description: opts.Description,
			Budget:      opts.Budget,
			IsActive:    true,
			Status:      domain.JobOpen,
			StatusName:  domain.JobOpen.String(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := r.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventJobCreated, "job", jobEntityID(id), opts.ActorID, events.EventPayload{
			"job_id":   id,
			"employer": opts.ActorID,
			"title":    opts.Title,
			"budget":   opts.Budget,
		}); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// GetJob returns repo.ErrNotFound for ids at or beyond the counter.
func (e Engine) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	return e.Repo.GetJob(ctx, id)
}

func (e Engine) JobCounter(ctx context.Context) (int64, error) {
	n, err := e.Repo.JobCounter(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	return n, err
}

func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, f)
}

// ApplyForJob appends an application. Repeat applications by the same
// freelancer are kept as separate entries.
func (e Engine) ApplyForJob(ctx context.Context, opts ApplyOptions) (domain.Application, error) {
	if err := e.check(opts); err != nil {
		return domain.Application{}, err
	}
	var out domain.Application
	err := e.write(ctx, "ApplyForJob", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("apply for job"); err != nil {
			return err
		}
		if err := requireRegistered(ctx, r, opts.ActorID); err != nil {
			return err
		}
		job, err := r.GetJob(ctx, opts.JobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobOpen || !job.IsActive {
			return ErrJobNotOpen
		}
		app, err := r.InsertApplication(ctx, domain.Application{
			JobID:         opts.JobID,
			Freelancer:    opts.ActorID,
			Proposal:      opts.Proposal,
			ProposedPrice: opts.ProposedPrice,
			CreatedAt:     e.timestamp(),
		})
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventApplicationSubmitted, "job", jobEntityID(opts.JobID), opts.ActorID, events.EventPayload{
			"job_id":     opts.JobID,
			"freelancer": opts.ActorID,
			"seq":        app.Seq,
		}); err != nil {
			return err
		}
		out = app
		return nil
	})
	return out, err
}

// GetJobApplications returns the job's applications in submission order; an
// unknown job has none.
func (e Engine) GetJobApplications(ctx context.Context, jobID int64) ([]domain.Application, error) {
	return e.Repo.ListApplications(ctx, jobID)
}

// SelectFreelancer accepts the applicant's earliest application and moves the
// job to InProgress.
func (e Engine) SelectFreelancer(ctx context.Context, jobID int64, applicant, actorID string) (domain.Job, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Job{}, err
	}
	var out domain.Job
	err := e.write(ctx, "SelectFreelancer", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("select freelancer"); err != nil {
			return err
		}
		job, err := r.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := auth.RequireEmployer("select freelancer", job, actorID); err != nil {
			return err
		}
		if err := ensureJobTransition(job.Status, domain.JobInProgress); err != nil {
			return err
		}
		seq, err := r.FirstApplicationSeq(ctx, jobID, applicant)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNoSuchApplication
		}
		if err != nil {
			return err
		}
		if err := r.AcceptApplication(ctx, jobID, seq); err != nil {
			return err
		}
		selected := applicant
		job.SelectedFreelancer = &selected
		job.Status = domain.JobInProgress
		job.StatusName = job.Status.String()
		job.UpdatedAt = e.timestamp()
		if err := r.UpdateJob(ctx, job); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventFreelancerSelected, "job", jobEntityID(jobID), actorID, events.EventPayload{
			"job_id":     jobID,
			"freelancer": applicant,
			"seq":        seq,
		}); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// CancelJob withdraws an Open job. No funds move.
func (e Engine) CancelJob(ctx context.Context, jobID int64, actorID string) (domain.Job, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Job{}, err
	}
	var out domain.Job
	err := e.write(ctx, "CancelJob", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("cancel job"); err != nil {
			return err
		}
		job, err := r.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := auth.RequireEmployer("cancel job", job, actorID); err != nil {
			return err
		}
		if err := ensureJobTransition(job.Status, domain.JobCancelled); err != nil {
			return err
		}
		job.Status = domain.JobCancelled
		job.StatusName = job.Status.String()
		job.IsActive = false
		job.UpdatedAt = e.timestamp()
		if err := r.UpdateJob(ctx, job); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventJobCancelled, "job", jobEntityID(jobID), actorID, events.EventPayload{
			"job_id": jobID,
		}); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// ensureJobTransition allows Open->InProgress, Open->Cancelled and
// InProgress->Completed. Completed and Cancelled are terminal.
func ensureJobTransition(from, to domain.JobStatus) error {
	switch to {
	case domain.JobInProgress, domain.JobCancelled:
		if from != domain.JobOpen {
			return ErrJobNotOpen
		}
	case domain.JobCompleted:
		if from != domain.JobInProgress {
			return ErrJobNotInProgress
		}
	default:
		return fmt.Errorf("invalid job transition %s -> %s", from, to)
	}
	return nil
}

func requireRegistered(ctx context.Context, r repo.Repo, identity string) error {
	if _, err := r.GetProfile(ctx, identity); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotRegistered
		}
		return err
	}
	return nil
}
