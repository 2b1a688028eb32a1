package jobledgersdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobledger/internal/db"
	"jobledger/internal/engine"
	"jobledger/internal/migrate"
	"jobledger/internal/server"
)

func newAPI(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	e := engine.New(conn)
	_, err = e.InitMarketplace(ctx, "owner", 2)
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{AllowLegacyActorHeader: true},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL + "/v0"
}

func clientAs(base, actor string) *Client {
	c := New(base)
	c.ActorID = actor
	return c
}

func TestClientEscrowFlow(t *testing.T) {
	ctx := context.Background()
	base := newAPI(t)
	owner := clientAs(base, "owner")
	employer := clientAs(base, "alice")
	freelancer := clientAs(base, "bob")

	_, err := employer.CreateProfile(ctx, "Alice", "hiring")
	require.NoError(t, err)
	_, err = freelancer.CreateProfile(ctx, "Bob", "go, sql")
	require.NoError(t, err)

	job, err := employer.PostJob(ctx, "Build API", "escrowed", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.ID)
	assert.Equal(t, "open", job.StatusName)

	n, err := employer.JobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = freelancer.Apply(ctx, job.ID, "I can do it", 900)
	require.NoError(t, err)
	apps, err := employer.Applications(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "bob", apps[0].Freelancer)

	job, err = employer.SelectFreelancer(ctx, job.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", job.StatusName)
	require.NotNil(t, job.SelectedFreelancer)
	assert.Equal(t, "bob", *job.SelectedFreelancer)

	c, err := employer.CompleteJob(ctx, job.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(20), c.Fee)
	assert.Equal(t, int64(980), c.Payment)
	assert.Equal(t, "completed", c.Job.StatusName)
	assert.Equal(t, "pending", c.Payout.Status)

	bal, err := freelancer.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(980), bal.Credited)

	p, err := owner.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.Balance)
	assert.Equal(t, "owner", p.Owner)

	payouts, err := owner.Payouts(ctx, "pending", 10)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	settled, err := owner.SettlePayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "settled", settled.Status)
	jp, err := employer.JobPayout(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, settled.ID, jp.ID)

	rt, err := employer.RateFreelancer(ctx, job.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, rt.Score)
	prof, err := employer.GetProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(5), prof.Rating)
	assert.Equal(t, int64(1), prof.TotalRatings)

	jobs, err := employer.ListJobs(ctx, JobFilter{Status: "completed"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	page, err := owner.EventsAfter(ctx, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "MarketplaceInitialized", page.Items[0].Type)
	latest, err := owner.Events(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "FreelancerRated", latest[0].Type)
}

func TestClientAdminErrors(t *testing.T) {
	ctx := context.Background()
	base := newAPI(t)
	owner := clientAs(base, "owner")
	mallory := clientAs(base, "mallory")

	_, err := mallory.UpdatePlatformFee(ctx, 50)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "unauthorized_caller", apiErr.Code)

	s, err := owner.UpdatePlatformFee(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, s.PlatformFeePercent)

	s, err = owner.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, s.Paused)
	_, err = mallory.CreateProfile(ctx, "Mallory", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "paused", apiErr.Code)

	s, err = owner.Unpause(ctx)
	require.NoError(t, err)
	assert.False(t, s.Paused)
	_, err = owner.Unpause(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_paused", apiErr.Code)

	_, err = mallory.GetJob(ctx, 7)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientSendsCredentials(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":3}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	n, err := c.JobCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Empty(t, got.Get("X-Api-Key"))

	c = New(srv.URL)
	c.APIKey = "key"
	_, err = c.JobCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", got.Get("X-Api-Key"))
}
