// Package dispute handles participant-raised escalations and their
// admin-driven resolution, including forced escrow release or refund outside
// the normal completion flow.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/audit"
	"escrowflow/db"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/notify"
	"escrowflow/settlement"
	"escrowflow/transition"
)

const disputeColumns = `id, job_id, raised_by, reason, evidence, status, resolution_notes, resolved_by,
	created_at, updated_at, resolved_at`

type Service struct {
	pool        *pgxpool.Pool
	settlements *settlement.Store
	notifier    notify.Publisher
	idGenerator func() string
}

func NewService(pool *pgxpool.Pool, settlements *settlement.Store, notifier notify.Publisher) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		pool:        pool,
		settlements: settlements,
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Open raises a dispute on a job the caller participates in and forces the
// job to disputed. Allowed only from assigned, in_progress, or completed —
// exactly the states with a legal transition to disputed.
func (s *Service) Open(ctx context.Context, caller identity.Identity, jobID, reason string, evidence []string) (Dispute, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < MinReasonLen {
		return Dispute{}, fault.Validation(fmt.Sprintf("dispute reason must be at least %d characters", MinReasonLen))
	}
	if len(evidence) > EvidenceCap {
		return Dispute{}, fault.Validation(fmt.Sprintf("at most %d evidence references are allowed", EvidenceCap))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := job.LockForUpdate(ctx, tx, jobID)
	if err != nil {
		return Dispute{}, err
	}
	if !j.IsParticipant(caller.SubjectID) {
		return Dispute{}, fault.Forbidden("only the job participants may open a dispute")
	}
	if d := transition.Job(j.Status, transition.JobDisputed); !d.Allowed {
		return Dispute{}, fault.Unprocessable(d.Reason)
	}

	if evidence == nil {
		evidence = []string{}
	}
	opened, err := scanDispute(tx.QueryRow(ctx, `
		INSERT INTO disputes (id, job_id, raised_by, reason, evidence)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+disputeColumns,
		s.idGenerator(), jobID, caller.SubjectID, reason, evidence))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if err := job.UpdateStatusTx(ctx, tx, j.ID, transition.JobDisputed); err != nil {
		return Dispute{}, err
	}

	if err := audit.Append(ctx, tx, j.ID, audit.EventDisputeOpened, caller.SubjectID, map[string]any{
		"dispute_id": opened.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}

	s.notifier.Publish(ctx, participantEvents(j, "dispute", opened.ID, map[string]any{
		"status":     StatusOpen,
		"job_status": transition.JobDisputed,
	})...)

	return opened, nil
}

// Resolve applies an admin update to a dispute. Moving to resolved requires
// an escrow action; the action is idempotent against the job's current
// escrow state, so replaying a resolution cannot move money twice.
func (s *Service) Resolve(ctx context.Context, caller identity.Identity, params ResolveParams) (Dispute, error) {
	if caller.Role != identity.RoleAdmin {
		return Dispute{}, fault.Forbidden("only admins may resolve disputes")
	}
	if params.Status != StatusInvestigating && params.Status != StatusResolved {
		return Dispute{}, fault.Validation(fmt.Sprintf("dispute status must be %s or %s", StatusInvestigating, StatusResolved))
	}
	if params.Status == StatusResolved && params.EscrowAction == nil {
		return Dispute{}, fault.Validation("resolving a dispute requires an escrow action (release or refund)")
	}
	if params.EscrowAction != nil && *params.EscrowAction != ActionRelease && *params.EscrowAction != ActionRefund {
		return Dispute{}, fault.Validation(fmt.Sprintf("unknown escrow action %q", *params.EscrowAction))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.getTx(ctx, tx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}

	j, err := job.LockForUpdate(ctx, tx, current.JobID)
	if err != nil {
		return Dispute{}, err
	}

	// Re-read under the job lock; a concurrent resolve may have finished.
	current, err = s.getTx(ctx, tx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}
	if current.Status == StatusResolved {
		return Dispute{}, fault.Conflict("dispute is already resolved")
	}

	if params.Status == StatusResolved {
		if err := s.applyEscrowActionTx(ctx, tx, j, *params.EscrowAction); err != nil {
			return Dispute{}, err
		}
	}

	updated, err := s.updateTx(ctx, tx, params, caller.SubjectID)
	if err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{"dispute_id": updated.ID, "status": updated.Status}
	if params.EscrowAction != nil {
		payload["escrow_action"] = *params.EscrowAction
	}
	if err := audit.Append(ctx, tx, j.ID, audit.EventDisputeUpdated, caller.SubjectID, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}

	s.notifier.Publish(ctx, participantEvents(j, "dispute", updated.ID, map[string]any{
		"status": updated.Status,
	})...)

	return updated, nil
}

// applyEscrowActionTx moves the escrow and job to the dispute's outcome. If
// the escrow already sits in the target state the action is a no-op; an
// impossible move (e.g. release after refund) is rejected.
func (s *Service) applyEscrowActionTx(ctx context.Context, tx pgx.Tx, j job.Job, action EscrowAction) error {
	escrowTarget := transition.EscrowReleased
	jobTarget := transition.JobCompleted
	if action == ActionRefund {
		escrowTarget = transition.EscrowRefunded
		jobTarget = transition.JobRefunded
	}

	// A dispute raised before funding holds no money. Refund resolves it by
	// moving only the job; release has nothing to pay out with.
	if j.EscrowStatus == transition.EscrowNotFunded {
		if action == ActionRelease {
			return fault.Unprocessable("escrow was never funded, there is nothing to release")
		}
		if j.Status != jobTarget {
			if d := transition.Job(j.Status, jobTarget); !d.Allowed {
				return fault.Unprocessable(d.Reason)
			}
			if err := job.UpdateStatusTx(ctx, tx, j.ID, jobTarget); err != nil {
				return err
			}
		}
		return nil
	}

	if j.EscrowStatus != escrowTarget {
		if d := transition.Escrow(j.EscrowStatus, escrowTarget); !d.Allowed {
			return fault.Unprocessable(d.Reason)
		}
		if err := job.UpdateEscrowStatusTx(ctx, tx, j.ID, escrowTarget); err != nil {
			return err
		}
	}

	switch action {
	case ActionRelease:
		if _, err := s.settlements.CompletePendingByJobTx(ctx, tx, j.ID); err != nil {
			return err
		}
	case ActionRefund:
		if _, err := s.settlements.RefundByJobTx(ctx, tx, j.ID); err != nil {
			return err
		}
	}

	if j.Status != jobTarget {
		if d := transition.Job(j.Status, jobTarget); !d.Allowed {
			return fault.Unprocessable(d.Reason)
		}
		if err := job.UpdateStatusTx(ctx, tx, j.ID, jobTarget); err != nil {
			return err
		}
	}
	return nil
}

// ListByJob returns the disputes on a job, newest first, visible to its
// participants and admins.
func (s *Service) ListByJob(ctx context.Context, caller identity.Identity, jobID string) ([]Dispute, error) {
	j, err := job.Get(ctx, s.pool, jobID)
	if err != nil {
		return nil, err
	}
	if caller.Role != identity.RoleAdmin && !j.IsParticipant(caller.SubjectID) {
		return nil, fault.Forbidden("you are not a participant of this job")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (s *Service) getTx(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidID(err) {
			return Dispute{}, fault.NotFound("dispute not found")
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (s *Service) updateTx(ctx context.Context, tx pgx.Tx, params ResolveParams, adminID string) (Dispute, error) {
	var notes any
	if trimmed := strings.TrimSpace(params.Notes); trimmed != "" {
		notes = trimmed
	}

	var (
		d   Dispute
		err error
	)
	if params.Status == StatusResolved {
		d, err = scanDispute(tx.QueryRow(ctx, `
			UPDATE disputes
			SET status = $1, resolution_notes = COALESCE($2, resolution_notes),
			    resolved_by = $3, resolved_at = now(), updated_at = now()
			WHERE id = $4
			RETURNING `+disputeColumns, params.Status, notes, adminID, params.DisputeID))
	} else {
		d, err = scanDispute(tx.QueryRow(ctx, `
			UPDATE disputes
			SET status = $1, resolution_notes = COALESCE($2, resolution_notes), updated_at = now()
			WHERE id = $3
			RETURNING `+disputeColumns, params.Status, notes, params.DisputeID))
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: update: %w", err)
	}
	return d, nil
}

func participantEvents(j job.Job, entity, entityID string, fields map[string]any) []notify.Event {
	events := []notify.Event{{
		Recipient: j.RequesterID,
		Entity:    entity,
		EntityID:  entityID,
		Fields:    fields,
	}}
	if provider := j.Provider(); provider != "" {
		events = append(events, notify.Event{
			Recipient: provider,
			Entity:    entity,
			EntityID:  entityID,
			Fields:    fields,
		})
	}
	return events
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.JobID,
		&d.RaisedBy,
		&d.Reason,
		&d.Evidence,
		&d.Status,
		&d.ResolutionNotes,
		&d.ResolvedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ResolvedAt,
	)
	return d, err
}
