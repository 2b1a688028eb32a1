package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"jobledger/internal/domain"
	"jobledger/internal/engine/auth"
	"jobledger/internal/events"
	"jobledger/internal/repo"
)

type ProfileCreateOptions struct {
	Name    string `validate:"required,max=128"`
	Skills  string `validate:"max=1024"`
	ActorID string `validate:"required"`
}

// CreateProfile registers the caller. A profile can be created once per identity.
func (e Engine) CreateProfile(ctx context.Context, opts ProfileCreateOptions) (domain.Profile, error) {
	if err := e.check(opts); err != nil {
		return domain.Profile{}, err
	}
	var out domain.Profile
	err := e.write(ctx, "CreateProfile", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("create profile"); err != nil {
			return err
		}
		if _, err := r.GetProfile(ctx, opts.ActorID); err == nil {
			return ErrAlreadyRegistered
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		p := domain.Profile{
			Identity:     opts.ActorID,
			Name:         opts.Name,
			Skills:       opts.Skills,
			IsRegistered: true,
			CreatedAt:    e.timestamp(),
		}
		if err := r.InsertProfile(ctx, p); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventProfileCreated, "profile", p.Identity, opts.ActorID, events.EventPayload{
			"identity": p.Identity,
			"name":     p.Name,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// GetProfile never fails for unknown identities; it returns an unregistered
// default record instead.
func (e Engine) GetProfile(ctx context.Context, identity string) (domain.Profile, error) {
	p, err := e.Repo.GetProfile(ctx, identity)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Profile{Identity: identity}, nil
	}
	return p, err
}

// RateFreelancer records the employer's 1..5 score for a completed job and
// folds it into the freelancer's rating sum.
func (e Engine) RateFreelancer(ctx context.Context, jobID int64, score int, actorID string) (domain.Rating, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Rating{}, err
	}
	var out domain.Rating
	err := e.write(ctx, "RateFreelancer", func(ctx context.Context, tx *sql.Tx, r repo.Repo, g auth.Guard) error {
		if err := g.RequireNotPaused("rate freelancer"); err != nil {
			return err
		}
		job, err := r.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := auth.RequireEmployer("rate freelancer", job, actorID); err != nil {
			return err
		}
		if job.Status != domain.JobCompleted || job.SelectedFreelancer == nil {
			return ErrJobNotCompleted
		}
		if score < 1 || score > 5 {
			return ErrInvalidRating
		}
		if _, err := r.GetRating(ctx, jobID); err == nil {
			return ErrAlreadyRated
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		rt := domain.Rating{
			JobID:      jobID,
			Freelancer: *job.SelectedFreelancer,
			Employer:   actorID,
			Score:      score,
			CreatedAt:  e.timestamp(),
		}
		if err := r.InsertRating(ctx, rt); err != nil {
			return err
		}
		if err := r.AddProfileRating(ctx, rt.Freelancer, score); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, domain.EventFreelancerRated, "job", strconv.FormatInt(jobID, 10), actorID, events.EventPayload{
			"job_id":     jobID,
			"freelancer": rt.Freelancer,
			"score":      score,
		}); err != nil {
			return err
		}
		out = rt
		return nil
	})
	return out, err
}
