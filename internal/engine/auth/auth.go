// Package auth holds the marketplace access-control guard: the owner
// predicate and the global pause switch.
package auth

import (
	"errors"
	"fmt"

	"jobledger/internal/domain"
)

var (
	// ErrUnauthorized is matched by every ForbiddenError.
	ErrUnauthorized = errors.New("caller is not authorized")
	ErrPaused       = errors.New("marketplace is paused")
	ErrNotPaused    = errors.New("marketplace is not paused")
)

// ForbiddenError reports an owner-only or employer-only action attempted by
// another identity.
type ForbiddenError struct {
	Action  string
	ActorID string
	Role    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s: caller %s is not the %s", e.Action, e.ActorID, e.Role)
}

func (e ForbiddenError) Unwrap() error { return ErrUnauthorized }

// Guard evaluates access rules against a settings snapshot read inside the
// caller's transaction.
type Guard struct {
	Settings domain.Settings
}

func (g Guard) IsOwner(identity string) bool {
	return identity != "" && identity == g.Settings.Owner
}

// RequireOwner fails with ForbiddenError unless actorID is the owner.
func (g Guard) RequireOwner(action, actorID string) error {
	if !g.IsOwner(actorID) {
		return ForbiddenError{Action: action, ActorID: actorID, Role: "owner"}
	}
	return nil
}

// RequireNotPaused fails with ErrPaused while the marketplace is paused.
func (g Guard) RequireNotPaused(action string) error {
	if g.Settings.Paused {
		return fmt.Errorf("%s: %w", action, ErrPaused)
	}
	return nil
}

// RequirePaused fails with ErrNotPaused unless the marketplace is paused.
func (g Guard) RequirePaused(action string) error {
	if !g.Settings.Paused {
		return fmt.Errorf("%s: %w", action, ErrNotPaused)
	}
	return nil
}

// RequireEmployer fails unless actorID posted the job.
func RequireEmployer(action string, job domain.Job, actorID string) error {
	if actorID == "" || job.Employer != actorID {
		return ForbiddenError{Action: action, ActorID: actorID, Role: "job employer"}
	}
	return nil
}
