package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jobledger/internal/domain"
	"jobledger/internal/events"
)

type mockSettler struct {
	mock.Mock
}

func (m *mockSettler) ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]domain.Payout), args.Error(1)
}

func (m *mockSettler) SettlePayout(ctx context.Context, id string) (domain.Payout, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Payout), args.Error(1)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestWorkerRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	s := &mockSettler{}
	p := domain.Payout{ID: "p-1", JobID: 3, Status: domain.PayoutPending}
	s.On("ListPayouts", ctx, domain.PayoutPending, defaultBatch).Return([]domain.Payout{p}, nil)
	s.On("SettlePayout", ctx, "p-1").Return(domain.Payout{}, errors.New("connection reset")).Twice()
	s.On("SettlePayout", ctx, "p-1").Return(domain.Payout{ID: "p-1", Status: domain.PayoutSettled}, nil).Once()

	w := Worker{Settler: s, MaxAttempts: 5, BackOff: zeroBackOff}
	n, err := w.SettlePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.AssertNumberOfCalls(t, "SettlePayout", 3)
}

func TestWorkerStopsOnRejection(t *testing.T) {
	ctx := context.Background()
	s := &mockSettler{}
	s.On("ListPayouts", ctx, domain.PayoutPending, defaultBatch).Return([]domain.Payout{{ID: "p-1"}, {ID: "p-2"}}, nil)
	s.On("SettlePayout", ctx, "p-1").Return(domain.Payout{}, fmt.Errorf("disburse: %w", ErrRejected))
	s.On("SettlePayout", ctx, "p-2").Return(domain.Payout{ID: "p-2", Status: domain.PayoutSettled}, nil)

	w := Worker{Settler: s, MaxAttempts: 5, BackOff: zeroBackOff}
	n, err := w.SettlePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.AssertNumberOfCalls(t, "SettlePayout", 2)
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := &mockSettler{}
	s.On("ListPayouts", ctx, domain.PayoutPending, defaultBatch).Return([]domain.Payout{{ID: "p-1"}}, nil)
	s.On("SettlePayout", ctx, "p-1").Return(domain.Payout{}, errors.New("timeout"))

	w := Worker{Settler: s, MaxAttempts: 3, BackOff: zeroBackOff}
	n, err := w.SettlePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	s.AssertNumberOfCalls(t, "SettlePayout", 3)
}

func TestHTTPDisburserSendsSignedIdempotentRequest(t *testing.T) {
	var got disbursement
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "p-9", r.Header.Get("Idempotency-Key"))
		assert.True(t, events.VerifySignature("s3cret", body, r.Header.Get("X-Jobledger-Signature")))
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := HTTPDisburser{URL: srv.URL, Secret: "s3cret"}
	err := d.Disburse(context.Background(), domain.Payout{ID: "p-9", JobID: 4, Freelancer: "bob", Amount: 98, Fee: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, disbursement{PayoutID: "p-9", JobID: 4, Freelancer: "bob", Amount: 98, Fee: 2}, got)
}

func TestHTTPDisburserClassifiesFailures(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	d := HTTPDisburser{URL: srv.URL, CheckURL: srv.URL}

	err := d.Disburse(context.Background(), domain.Payout{ID: "p-1"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, d.CanReceive(context.Background(), "bob"), ErrRejected)

	status = http.StatusBadGateway
	err = d.Disburse(context.Background(), domain.Payout{ID: "p-1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestLedgerDisburserAcceptsEveryone(t *testing.T) {
	var d LedgerDisburser
	assert.NoError(t, d.CanReceive(context.Background(), "anyone"))
	assert.NoError(t, d.Disburse(context.Background(), domain.Payout{ID: "x"}))
}
