// Package audit appends immutable business events to the job_events log.
// Events are written inside the caller's transaction so they commit or roll
// back together with the state change they describe.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Event types recorded against jobs.
const (
	EventJobCreated     = "JOB_CREATED"
	EventJobScreened    = "JOB_SCREENED"
	EventJobExpired     = "JOB_EXPIRED"
	EventQuoteSubmitted = "QUOTE_SUBMITTED"
	EventQuoteAccepted  = "QUOTE_ACCEPTED"
	EventQuoteRejected  = "QUOTE_REJECTED"
	EventEscrowFunded   = "ESCROW_FUNDED"
	EventJobStarted     = "JOB_STARTED"
	EventJobCompleted   = "JOB_COMPLETED"
	EventEscrowReleased = "ESCROW_RELEASED"
	EventEscrowRefunded = "ESCROW_REFUNDED"
	EventAdminOverride  = "ADMIN_OVERRIDE"
	EventDisputeOpened  = "DISPUTE_OPENED"
	EventDisputeUpdated = "DISPUTE_UPDATED"
)

// Append inserts one event for jobID within tx. actorID may be empty for
// system-initiated changes (sweeps, webhooks).
func Append(ctx context.Context, tx pgx.Tx, jobID, eventType, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const q = `INSERT INTO job_events (job_id, type, payload, actor_id) VALUES ($1, $2, $3::jsonb, $4::uuid)`
	if _, err := tx.Exec(ctx, q, jobID, eventType, body, actor); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
