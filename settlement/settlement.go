// Package settlement stores the immutable money-movement records tied to
// jobs. Records are append-then-update: a row is inserted once per settlement
// event and only its status ever changes afterwards.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
)

var (
	// ErrSplitMismatch signals commission + net does not reproduce gross.
	ErrSplitMismatch = errors.New("settlement: commission + net != gross")
	// ErrNotFound is returned when no transaction row matches.
	ErrNotFound = errors.New("settlement: transaction not found")
)

// Record mirrors the settlement_transactions table.
type Record struct {
	ID         string
	JobID      string
	PayerID    string
	PayeeID    string
	Gross      float64
	Commission float64
	Net        float64
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const columns = `id, job_id, payer_id, payee_id, gross, commission, net, status, created_at, updated_at`

// Store provides transaction-scoped writes and pool-level reads. Writes take
// a pgx.Tx so they share the job row lock held by the lifecycle engine.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertTx appends one settlement record with the given status.
func (s *Store) InsertTx(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if math.Round((rec.Commission+rec.Net)*100) != math.Round(rec.Gross*100) {
		return Record{}, ErrSplitMismatch
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	const insertSQL = `
		INSERT INTO settlement_transactions (job_id, payer_id, payee_id, gross, commission, net, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + columns

	out, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		rec.JobID, rec.PayerID, rec.PayeeID, rec.Gross, rec.Commission, rec.Net, rec.Status))
	if err != nil {
		return Record{}, fmt.Errorf("settlement: insert: %w", err)
	}
	return out, nil
}

// MarkCompletedTx flips a single record to completed.
func (s *Store) MarkCompletedTx(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE settlement_transactions SET status = $1, updated_at = now()
		WHERE id = $2 AND status <> $1
	`, StatusCompleted, id)
	if err != nil {
		return fmt.Errorf("settlement: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompletePendingByJobTx flips every pending record of the job to completed
// and reports how many rows changed. Zero is not an error: dispute release
// against an already-settled job is a no-op here.
func (s *Store) CompletePendingByJobTx(ctx context.Context, tx pgx.Tx, jobID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE settlement_transactions SET status = $1, updated_at = now()
		WHERE job_id = $2 AND status = $3
	`, StatusCompleted, jobID, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("settlement: complete pending by job: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RefundByJobTx marks every non-refunded record of the job refunded.
func (s *Store) RefundByJobTx(ctx context.Context, tx pgx.Tx, jobID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE settlement_transactions SET status = $1, updated_at = now()
		WHERE job_id = $2 AND status <> $1
	`, StatusRefunded, jobID)
	if err != nil {
		return 0, fmt.Errorf("settlement: refund by job: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByJob returns the job's settlement history, oldest first.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns+` FROM settlement_transactions WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list by job: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate: %w", err)
	}
	return out, nil
}

// SumCompletedNetByPayee totals the net of completed records where the user
// is the payee. Recomputed from source rows on every call; there is no cached
// running balance to drift.
func (s *Store) SumCompletedNetByPayee(ctx context.Context, payeeID string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(net), 0)
		FROM settlement_transactions
		WHERE payee_id = $1 AND status = $2
	`, payeeID, StatusCompleted).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("settlement: sum net by payee: %w", err)
	}
	return total, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.PayerID,
		&rec.PayeeID,
		&rec.Gross,
		&rec.Commission,
		&rec.Net,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}
