package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"jobledger/internal/domain"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB DBTX
}

var (
	ErrNotFound = errors.New("not found")
	// ErrOverflow reports a credit that would push a balance past math.MaxInt64.
	ErrOverflow = errors.New("balance overflow")
)

// Tx returns a Repo bound to the transaction.
func (r Repo) Tx(tx *sql.Tx) Repo {
	return Repo{DB: tx}
}

// --- settings ---

func (r Repo) GetSettings(ctx context.Context) (domain.Settings, error) {
	var s domain.Settings
	var paused int
	err := r.DB.QueryRowContext(ctx, `SELECT owner,platform_fee_percent,paused,updated_at FROM settings WHERE id=1`).
		Scan(&s.Owner, &s.PlatformFeePercent, &paused, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.Paused = paused != 0
	return s, err
}

// InsertSettings creates the singleton settings row along with the platform
// ledger and job counter rows.
func (r Repo) InsertSettings(ctx context.Context, s domain.Settings) error {
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO settings(id,owner,platform_fee_percent,paused,updated_at) VALUES (1,?,?,?,?)`,
		s.Owner, s.PlatformFeePercent, boolInt(s.Paused), s.UpdatedAt); err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO platform_ledger(id,balance) VALUES (1,0)`); err != nil {
		return fmt.Errorf("init platform ledger: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO job_counter(id,next_id) VALUES (1,0)`); err != nil {
		return fmt.Errorf("init job counter: %w", err)
	}
	return nil
}

func (r Repo) UpdateSettings(ctx context.Context, s domain.Settings) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE settings SET platform_fee_percent=?, paused=?, updated_at=? WHERE id=1`,
		s.PlatformFeePercent, boolInt(s.Paused), s.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) PlatformBalance(ctx context.Context) (int64, error) {
	var b int64
	err := r.DB.QueryRowContext(ctx, `SELECT balance FROM platform_ledger WHERE id=1`).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return b, err
}

func (r Repo) CreditPlatform(ctx context.Context, amount int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE platform_ledger SET balance=balance+? WHERE id=1 AND balance<=?`, amount, math.MaxInt64-amount)
	if err != nil {
		return fmt.Errorf("credit platform: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.PlatformBalance(ctx); err != nil {
			return fmt.Errorf("platform ledger: %w", err)
		}
		return fmt.Errorf("credit platform: %w", ErrOverflow)
	}
	return nil
}

// --- profiles ---

const profileColumns = `identity,name,skills,rating,total_ratings,created_at`

func scanProfile(row interface{ Scan(...any) error }) (domain.Profile, error) {
	var p domain.Profile
	err := row.Scan(&p.Identity, &p.Name, &p.Skills, &p.Rating, &p.TotalRatings, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.IsRegistered = true
	return p, nil
}

func (r Repo) GetProfile(ctx context.Context, identity string) (domain.Profile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE identity=?`, identity))
}

func (r Repo) InsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(`+profileColumns+`) VALUES (?,?,?,?,?,?)`,
		p.Identity, p.Name, p.Skills, p.Rating, p.TotalRatings, p.CreatedAt)
	return err
}

// AddProfileRating adds score to the profile's rating sum and bumps its count.
func (r Repo) AddProfileRating(ctx context.Context, identity string, score int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE profiles SET rating=rating+?, total_ratings=total_ratings+1 WHERE identity=?`, score, identity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- jobs ---

// AllocateJobID returns the next job id and advances the counter.
func (r Repo) AllocateJobID(ctx context.Context) (int64, error) {
	id, err := r.JobCounter(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE job_counter SET next_id=? WHERE id=1`, id+1); err != nil {
		return 0, fmt.Errorf("advance job counter: %w", err)
	}
	return id, nil
}

// JobCounter returns the number of jobs ever posted.
func (r Repo) JobCounter(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT next_id FROM job_counter WHERE id=1`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

const jobColumns = `id,employer,title,description,budget,is_active,selected_freelancer,status,created_at,updated_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var active int
	var selected sql.NullString
	err := row.Scan(&j.ID, &j.Employer, &j.Title, &j.Description, &j.Budget, &active, &selected, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.IsActive = active != 0
	if selected.Valid {
		j.SelectedFreelancer = &selected.String
	}
	j.StatusName = j.Status.String()
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Employer, j.Title, j.Description, j.Budget, boolInt(j.IsActive), nullableStringPtr(j.SelectedFreelancer), j.Status, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// UpdateJob writes the mutable job fields. Budget, employer and content are
// fixed at creation.
func (r Repo) UpdateJob(ctx context.Context, j domain.Job) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET is_active=?, selected_freelancer=?, status=?, updated_at=? WHERE id=?`,
		boolInt(j.IsActive), nullableStringPtr(j.SelectedFreelancer), j.Status, j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type JobFilters struct {
	Status   *domain.JobStatus
	Employer string
	Active   *bool
	Limit    int
	AfterID  *int64
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, int(*f.Status))
	}
	if f.Employer != "" {
		clauses = append(clauses, "employer=?")
		args = append(args, f.Employer)
	}
	if f.Active != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, boolInt(*f.Active))
	}
	if f.AfterID != nil {
		clauses = append(clauses, "id>?")
		args = append(args, *f.AfterID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// --- applications ---

const applicationColumns = `job_id,seq,freelancer,proposal,proposed_price,is_accepted,created_at`

// InsertApplication appends the application to its job's list and returns it
// with the assigned sequence number.
func (r Repo) InsertApplication(ctx context.Context, a domain.Application) (domain.Application, error) {
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq)+1,0) FROM applications WHERE job_id=?`, a.JobID).Scan(&a.Seq); err != nil {
		return a, err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO applications(`+applicationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.JobID, a.Seq, a.Freelancer, a.Proposal, a.ProposedPrice, boolInt(a.IsAccepted), a.CreatedAt)
	return a, err
}

// ListApplications returns a job's applications in submission order.
func (r Repo) ListApplications(ctx context.Context, jobID int64) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE job_id=? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Application{}
	for rows.Next() {
		var a domain.Application
		var accepted int
		if err := rows.Scan(&a.JobID, &a.Seq, &a.Freelancer, &a.Proposal, &a.ProposedPrice, &accepted, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.IsAccepted = accepted != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

// FirstApplicationSeq returns the earliest application seq of freelancer for the job.
func (r Repo) FirstApplicationSeq(ctx context.Context, jobID int64, freelancer string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT seq FROM applications WHERE job_id=? AND freelancer=? ORDER BY seq ASC LIMIT 1`, jobID, freelancer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}

func (r Repo) AcceptApplication(ctx context.Context, jobID, seq int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE applications SET is_accepted=1 WHERE job_id=? AND seq=?`, jobID, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns up to limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
