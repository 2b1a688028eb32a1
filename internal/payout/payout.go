// Package payout moves reserved escrow payments out of the ledger.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobledger/internal/domain"
	"jobledger/internal/events"
)

const defaultTimeout = 10 * time.Second

// ErrRejected is returned by a destination that permanently refuses a payout.
var ErrRejected = errors.New("payout rejected by destination")

// LedgerDisburser keeps funds in the internal ledger. Every identity can
// receive and disbursement is a no-op.
type LedgerDisburser struct{}

func (LedgerDisburser) CanReceive(context.Context, string) error { return nil }

func (LedgerDisburser) Disburse(context.Context, domain.Payout) error { return nil }

// HTTPDisburser posts payouts to an external settlement endpoint.
//
// Disburse sends the payout as JSON with the payout id in Idempotency-Key.
// CanReceive, when CheckURL is set, issues GET CheckURL?identity=... and treats
// any non-2xx answer as a refusal.
type HTTPDisburser struct {
	URL      string
	CheckURL string
	Secret   string
	Client   *http.Client
}

func (d HTTPDisburser) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (d HTTPDisburser) CanReceive(ctx context.Context, identity string) error {
	if strings.TrimSpace(d.CheckURL) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.CheckURL, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("identity", identity)
	req.URL.RawQuery = q.Encode()
	res, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("check %s: %w", identity, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: %s answered %d", ErrRejected, identity, res.StatusCode)
	}
	return nil
}

type disbursement struct {
	PayoutID   string `json:"payout_id"`
	JobID      int64  `json:"job_id"`
	Freelancer string `json:"freelancer"`
	Amount     int64  `json:"amount"`
	Fee        int64  `json:"fee"`
	CreatedAt  string `json:"created_at"`
}

func (d HTTPDisburser) Disburse(ctx context.Context, p domain.Payout) error {
	data, err := json.Marshal(disbursement{
		PayoutID:   p.ID,
		JobID:      p.JobID,
		Freelancer: p.Freelancer,
		Amount:     p.Amount,
		Fee:        p.Fee,
		CreatedAt:  p.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ID)
	if d.Secret != "" {
		req.Header.Set("X-Jobledger-Signature", events.Signature(d.Secret, data))
	}
	res, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
}
