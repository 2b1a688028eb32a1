package repo_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"jobledger/internal/db"
	"jobledger/internal/domain"
	"jobledger/internal/migrate"
	"jobledger/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedJob(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	ts := "2024-01-01T00:00:00Z"
	if err := r.InsertProfile(ctx, domain.Profile{Identity: "alice", Name: "Alice", CreatedAt: ts}); err != nil {
		t.Fatalf("insert profile: %v", err)
	}
	if err := r.InsertJob(ctx, domain.Job{ID: 0, Employer: "alice", Title: "Build", Budget: 100, IsActive: true, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("insert job: %v", err)
	}
}

func TestCreditBalanceAccumulates(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	b, err := r.GetBalance(ctx, "bob")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Credited != 0 {
		t.Fatalf("expected zero balance for unknown identity, got %d", b.Credited)
	}
	for _, amt := range []int64{980, 20} {
		if err := r.CreditBalance(ctx, "bob", amt); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	b, _ = r.GetBalance(ctx, "bob")
	if b.Credited != 1000 {
		t.Fatalf("expected 1000, got %d", b.Credited)
	}
}

func TestCreditBalanceRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := r.CreditBalance(ctx, "bob", math.MaxInt64-1); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := r.CreditBalance(ctx, "bob", 2); !errors.Is(err, repo.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	b, _ := r.GetBalance(ctx, "bob")
	if b.Credited != math.MaxInt64-1 {
		t.Fatalf("balance changed on overflow: %d", b.Credited)
	}
	if err := r.CreditBalance(ctx, "bob", 1); err != nil {
		t.Fatalf("credit to exactly MaxInt64: %v", err)
	}
}

func TestCreditPlatformNeedsLedgerRow(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := r.CreditPlatform(ctx, 5); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before initialization, got %v", err)
	}
	if err := r.InsertSettings(ctx, domain.Settings{Owner: "owner", PlatformFeePercent: 2, UpdatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert settings: %v", err)
	}
	if err := r.CreditPlatform(ctx, 5); err != nil {
		t.Fatalf("credit platform: %v", err)
	}
	if err := r.CreditPlatform(ctx, math.MaxInt64); !errors.Is(err, repo.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	bal, err := r.PlatformBalance(ctx)
	if err != nil {
		t.Fatalf("platform balance: %v", err)
	}
	if bal != 5 {
		t.Fatalf("expected 5, got %d", bal)
	}
}

func TestPayoutSettlesOnce(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedJob(t, r)
	p := domain.Payout{ID: "p1", JobID: 0, Freelancer: "bob", Amount: 98, Fee: 2, Status: domain.PayoutPending, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertPayout(ctx, p); err != nil {
		t.Fatalf("insert payout: %v", err)
	}
	if err := r.RecordPayoutFailure(ctx, "p1", "connection refused"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	got, err := r.GetPayout(ctx, "p1")
	if err != nil {
		t.Fatalf("get payout: %v", err)
	}
	if got.Attempts != 1 || got.LastError != "connection refused" {
		t.Fatalf("unexpected payout after failure: %+v", got)
	}
	ok, err := r.MarkPayoutSettled(ctx, "p1", "2024-01-01T00:01:00Z")
	if err != nil || !ok {
		t.Fatalf("mark settled: ok=%v err=%v", ok, err)
	}
	ok, err = r.MarkPayoutSettled(ctx, "p1", "2024-01-01T00:02:00Z")
	if err != nil || ok {
		t.Fatalf("second settle should be a no-op: ok=%v err=%v", ok, err)
	}
	got, _ = r.GetPayout(ctx, "p1")
	if got.Status != domain.PayoutSettled || got.SettledAt == nil || *got.SettledAt != "2024-01-01T00:01:00Z" || got.LastError != "" {
		t.Fatalf("unexpected settled payout: %+v", got)
	}
	pending, err := r.ListPayouts(ctx, domain.PayoutPending, 10)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending payouts, got %d", len(pending))
	}
	if _, err := r.GetPayout(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "alice", Name: "ci", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil {
		t.Fatalf("lookup key: %v", err)
	}
	if got.ActorID != "alice" || got.Name != "ci" {
		t.Fatalf("unexpected key: %+v", got)
	}
	keys, err := r.ListAPIKeys(ctx, "bob")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys for bob, got %d", len(keys))
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
