// Package quote manages the set of bids on a job: submission by fulfillers
// and acceptance or rejection by the requester. Acceptance is the critical
// section: it runs under the job row lock so exactly one quote can win.
package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/audit"
	"escrowflow/db"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/notify"
	"escrowflow/transition"
)

const quoteColumns = `id, job_id, fulfiller_id, amount, timeline, message, status, created_at, updated_at`

type Service struct {
	pool        *pgxpool.Pool
	notifier    notify.Publisher
	idGenerator func() string
}

func NewService(pool *pgxpool.Pool, notifier notify.Publisher) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		pool:        pool,
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Submit creates a pending quote from the caller on an open job.
func (s *Service) Submit(ctx context.Context, caller identity.Identity, params SubmitParams) (Quote, error) {
	if caller.Role != identity.RoleFulfiller {
		return Quote{}, fault.Forbidden("only fulfillers may submit quotes")
	}
	if params.Amount <= 0 {
		return Quote{}, fault.Validation("quote amount must be a positive amount")
	}
	if len(strings.TrimSpace(params.Message)) < MinMessageLen {
		return Quote{}, fault.Validation(fmt.Sprintf("quote message must be at least %d characters", MinMessageLen))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := job.LockForUpdate(ctx, tx, params.JobID)
	if err != nil {
		return Quote{}, err
	}
	if j.RequesterID == caller.SubjectID {
		return Quote{}, fault.Forbidden("you cannot quote on your own job")
	}
	if j.Status != transition.JobOpen {
		return Quote{}, fault.Unprocessable(fmt.Sprintf("job is %s, not open for quotes", j.Status))
	}

	const insertSQL = `
		INSERT INTO quotes (id, job_id, fulfiller_id, amount, timeline, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + quoteColumns

	q, err := scanQuote(tx.QueryRow(ctx, insertSQL,
		s.idGenerator(), params.JobID, caller.SubjectID, params.Amount,
		strings.TrimSpace(params.Timeline), strings.TrimSpace(params.Message)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Quote{}, fault.Conflict("you already submitted a quote for this job")
		}
		return Quote{}, fmt.Errorf("quote: insert: %w", err)
	}

	if err := audit.Append(ctx, tx, j.ID, audit.EventQuoteSubmitted, caller.SubjectID, map[string]any{
		"quote_id": q.ID,
		"amount":   q.Amount,
	}); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit: %w", err)
	}

	s.notifier.Publish(ctx, notify.Event{
		Recipient: j.RequesterID,
		Entity:    "quote",
		EntityID:  q.ID,
		Fields:    map[string]any{"job_id": j.ID, "status": q.Status, "amount": q.Amount},
	})

	return q, nil
}

// Accept marks the target quote accepted, rejects every sibling pending
// quote, assigns the fulfiller, and moves the job to assigned — all in one
// transaction under the job row lock. A concurrent Accept on the same job
// serializes behind the lock and fails on the status check.
func (s *Service) Accept(ctx context.Context, caller identity.Identity, quoteID string) (Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.getTx(ctx, tx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	j, err := job.LockForUpdate(ctx, tx, q.JobID)
	if err != nil {
		return Quote{}, err
	}
	if j.RequesterID != caller.SubjectID {
		return Quote{}, fault.Forbidden("only the job requester may accept quotes")
	}

	// Re-read the quote now that the job lock is held; a concurrent accept
	// may have already decided this job.
	q, err = s.getTx(ctx, tx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if q.Status != StatusPending {
		return Quote{}, fault.Unprocessable(fmt.Sprintf("quote is %s, not pending", q.Status))
	}
	if d := transition.Job(j.Status, transition.JobAssigned); !d.Allowed {
		return Quote{}, fault.Unprocessable(d.Reason)
	}

	losers, err := s.pendingLosersTx(ctx, tx, j.ID, q.ID)
	if err != nil {
		return Quote{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quotes SET status = $1, updated_at = now()
		WHERE job_id = $2 AND status = $3 AND id <> $4
	`, StatusRejected, j.ID, StatusPending, q.ID); err != nil {
		return Quote{}, fmt.Errorf("quote: reject siblings: %w", err)
	}

	accepted, err := scanQuote(tx.QueryRow(ctx, `
		UPDATE quotes SET status = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+quoteColumns, StatusAccepted, q.ID))
	if err != nil {
		return Quote{}, fmt.Errorf("quote: accept: %w", err)
	}

	if err := job.AssignProviderTx(ctx, tx, j.ID, accepted.FulfillerID); err != nil {
		return Quote{}, err
	}

	if err := audit.Append(ctx, tx, j.ID, audit.EventQuoteAccepted, caller.SubjectID, map[string]any{
		"quote_id":     accepted.ID,
		"fulfiller_id": accepted.FulfillerID,
		"amount":       accepted.Amount,
	}); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit accept: %w", err)
	}

	events := []notify.Event{{
		Recipient: accepted.FulfillerID,
		Entity:    "quote",
		EntityID:  accepted.ID,
		Fields:    map[string]any{"job_id": j.ID, "status": StatusAccepted},
	}}
	for _, loser := range losers {
		events = append(events, notify.Event{
			Recipient: loser,
			Entity:    "quote",
			EntityID:  accepted.ID,
			Fields:    map[string]any{"job_id": j.ID, "status": StatusRejected},
		})
	}
	s.notifier.Publish(ctx, events...)

	return accepted, nil
}

// Reject marks a single pending quote rejected. The job is not touched.
func (s *Service) Reject(ctx context.Context, caller identity.Identity, quoteID string) (Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.getTx(ctx, tx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	j, err := job.LockForUpdate(ctx, tx, q.JobID)
	if err != nil {
		return Quote{}, err
	}
	if j.RequesterID != caller.SubjectID {
		return Quote{}, fault.Forbidden("only the job requester may reject quotes")
	}

	q, err = s.getTx(ctx, tx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if q.Status != StatusPending {
		return Quote{}, fault.Unprocessable(fmt.Sprintf("quote is %s, not pending", q.Status))
	}

	rejected, err := scanQuote(tx.QueryRow(ctx, `
		UPDATE quotes SET status = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+quoteColumns, StatusRejected, q.ID))
	if err != nil {
		return Quote{}, fmt.Errorf("quote: reject: %w", err)
	}

	if err := audit.Append(ctx, tx, j.ID, audit.EventQuoteRejected, caller.SubjectID, map[string]any{
		"quote_id": rejected.ID,
	}); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("quote: commit reject: %w", err)
	}

	s.notifier.Publish(ctx, notify.Event{
		Recipient: rejected.FulfillerID,
		Entity:    "quote",
		EntityID:  rejected.ID,
		Fields:    map[string]any{"job_id": j.ID, "status": StatusRejected},
	})

	return rejected, nil
}

// ListByJob returns all quotes on a job for its requester, or the caller's
// own quote for a fulfiller.
func (s *Service) ListByJob(ctx context.Context, caller identity.Identity, jobID string) ([]Quote, error) {
	j, err := job.Get(ctx, s.pool, jobID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE job_id = $1`
	args := []any{jobID}
	switch {
	case caller.Role == identity.RoleAdmin, j.RequesterID == caller.SubjectID:
		// full visibility
	case caller.Role == identity.RoleFulfiller:
		query += ` AND fulfiller_id = $2`
		args = append(args, caller.SubjectID)
	default:
		return nil, fault.Forbidden("you are not a participant of this job")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("quote: list: %w", err)
	}
	defer rows.Close()

	out := make([]Quote, 0, 8)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("quote: scan: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote: iterate: %w", err)
	}
	return out, nil
}

// AcceptedForJobTx returns the accepted quote for the job inside tx, if any.
func AcceptedForJobTx(ctx context.Context, tx pgx.Tx, jobID string) (Quote, bool, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE job_id = $1 AND status = $2`, jobID, StatusAccepted)
	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, false, nil
		}
		return Quote{}, false, fmt.Errorf("quote: accepted for job: %w", err)
	}
	return q, true, nil
}

func (s *Service) getTx(ctx context.Context, tx pgx.Tx, quoteID string) (Quote, error) {
	row := tx.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, quoteID)
	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidID(err) {
			return Quote{}, fault.NotFound("quote not found")
		}
		return Quote{}, fmt.Errorf("quote: get: %w", err)
	}
	return q, nil
}

func (s *Service) pendingLosersTx(ctx context.Context, tx pgx.Tx, jobID, winnerID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT fulfiller_id FROM quotes
		WHERE job_id = $1 AND id <> $2 AND status = $3
	`, jobID, winnerID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("quote: list losers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("quote: scan loser: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanQuote(row pgx.Row) (Quote, error) {
	var q Quote
	err := row.Scan(
		&q.ID,
		&q.JobID,
		&q.FulfillerID,
		&q.Amount,
		&q.Timeline,
		&q.Message,
		&q.Status,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	return q, err
}
