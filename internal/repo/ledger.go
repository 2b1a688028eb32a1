package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"jobledger/internal/domain"
)

// CreditBalance adds amount to the identity's credited escrow balance.
func (r Repo) CreditBalance(ctx context.Context, identity string, amount int64) error {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO balances(identity,credited) VALUES (?,?)
ON CONFLICT(identity) DO UPDATE SET credited=credited+excluded.credited WHERE credited<=?`, identity, amount, math.MaxInt64-amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", identity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credit %s: %w", identity, ErrOverflow)
	}
	return nil
}

// GetBalance returns a zero balance for identities never credited.
func (r Repo) GetBalance(ctx context.Context, identity string) (domain.Balance, error) {
	b := domain.Balance{Identity: identity}
	err := r.DB.QueryRowContext(ctx, `SELECT credited FROM balances WHERE identity=?`, identity).Scan(&b.Credited)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	return b, err
}

// --- payouts ---

const payoutColumns = `id,job_id,freelancer,amount,fee,status,attempts,COALESCE(last_error,''),created_at,settled_at`

func scanPayout(row interface{ Scan(...any) error }) (domain.Payout, error) {
	var p domain.Payout
	var settled sql.NullString
	err := row.Scan(&p.ID, &p.JobID, &p.Freelancer, &p.Amount, &p.Fee, &p.Status, &p.Attempts, &p.LastError, &p.CreatedAt, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if settled.Valid {
		p.SettledAt = &settled.String
	}
	return p, err
}

func (r Repo) InsertPayout(ctx context.Context, p domain.Payout) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payouts(id,job_id,freelancer,amount,fee,status,attempts,last_error,created_at,settled_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.JobID, p.Freelancer, p.Amount, p.Fee, p.Status, p.Attempts, nullable(p.LastError), p.CreatedAt, nullableStringPtr(p.SettledAt))
	return err
}

func (r Repo) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	return scanPayout(r.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id=?`, id))
}

func (r Repo) GetPayoutByJob(ctx context.Context, jobID int64) (domain.Payout, error) {
	return scanPayout(r.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE job_id=?`, jobID))
}

// ListPayouts returns payouts in creation order, optionally filtered by status.
func (r Repo) ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, job_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Payout{}
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkPayoutSettled flips a pending payout to settled. It reports false when
// the payout was already settled.
func (r Repo) MarkPayoutSettled(ctx context.Context, id, settledAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payouts SET status=?, attempts=attempts+1, last_error=NULL, settled_at=? WHERE id=? AND status=?`,
		domain.PayoutSettled, settledAt, id, domain.PayoutPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) RecordPayoutFailure(ctx context.Context, id, msg string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE payouts SET attempts=attempts+1, last_error=? WHERE id=? AND status=?`, msg, id, domain.PayoutPending)
	return err
}

// --- ratings ---

func (r Repo) InsertRating(ctx context.Context, rt domain.Rating) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ratings(job_id,freelancer,employer,score,created_at) VALUES (?,?,?,?,?)`,
		rt.JobID, rt.Freelancer, rt.Employer, rt.Score, rt.CreatedAt)
	return err
}

func (r Repo) GetRating(ctx context.Context, jobID int64) (domain.Rating, error) {
	var rt domain.Rating
	err := r.DB.QueryRowContext(ctx, `SELECT job_id,freelancer,employer,score,created_at FROM ratings WHERE job_id=?`, jobID).
		Scan(&rt.JobID, &rt.Freelancer, &rt.Employer, &rt.Score, &rt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rt, ErrNotFound
	}
	return rt, err
}
