package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
	"escrowflow/fault"
	"escrowflow/transition"
)

const jobColumns = `id, requester_id, provider_id, category, description, budget,
	status, escrow_status, risk_score, scheduled_at, before_evidence, after_evidence,
	created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get loads a job without locking it.
func Get(ctx context.Context, q querier, jobID string) (Job, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidID(err) {
			return Job{}, fault.NotFound("job not found")
		}
		return Job{}, fmt.Errorf("job: get: %w", err)
	}
	return j, nil
}

// LockForUpdate loads a job inside tx holding its row lock. Every mutation of
// a job or its quotes goes through this lock, which serializes concurrent
// operations per job id.
func LockForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidID(err) {
			return Job{}, fault.NotFound("job not found")
		}
		return Job{}, fmt.Errorf("job: lock: %w", err)
	}
	return j, nil
}

// UpdateStatusTx writes a new job status. Callers must have consulted the
// transition guard and must hold the row lock.
func UpdateStatusTx(ctx context.Context, tx pgx.Tx, jobID string, status transition.JobStatus) error {
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`, status, jobID); err != nil {
		return fmt.Errorf("job: update status: %w", err)
	}
	return nil
}

// UpdateEscrowStatusTx writes a new escrow status under the same contract.
func UpdateEscrowStatusTx(ctx context.Context, tx pgx.Tx, jobID string, status transition.EscrowStatus) error {
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET escrow_status = $1, updated_at = now() WHERE id = $2`, status, jobID); err != nil {
		return fmt.Errorf("job: update escrow status: %w", err)
	}
	return nil
}

// AssignProviderTx records the winning fulfiller and moves the job to assigned.
func AssignProviderTx(ctx context.Context, tx pgx.Tx, jobID, providerID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET provider_id = $1, status = $2, updated_at = now() WHERE id = $3
	`, providerID, transition.JobAssigned, jobID); err != nil {
		return fmt.Errorf("job: assign provider: %w", err)
	}
	return nil
}

// AppendEvidenceTx appends refs to the before or after evidence list, keeping
// the total at or below EvidenceCap.
func AppendEvidenceTx(ctx context.Context, tx pgx.Tx, j Job, after bool, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	column := "before_evidence"
	existing := j.BeforeEvidence
	if after {
		column = "after_evidence"
		existing = j.AfterEvidence
	}
	room := EvidenceCap - len(existing)
	if len(refs) > room {
		return fault.Validation(fmt.Sprintf("evidence limit is %d references, %d slots remain", EvidenceCap, room))
	}
	q := fmt.Sprintf(`UPDATE jobs SET %s = %s || $1, updated_at = now() WHERE id = $2`, column, column)
	if _, err := tx.Exec(ctx, q, refs, j.ID); err != nil {
		return fmt.Errorf("job: append evidence: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.RequesterID,
		&j.ProviderID,
		&j.Category,
		&j.Description,
		&j.Budget,
		&j.Status,
		&j.EscrowStatus,
		&j.RiskScore,
		&j.ScheduledAt,
		&j.BeforeEvidence,
		&j.AfterEvidence,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

// scanJobs collects rows into a slice.
func scanJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	jobs := make([]Job, 0, 16)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate: %w", err)
	}
	return jobs, nil
}

var _ querier = (*pgxpool.Pool)(nil)
