// Package escrow owns job.status and job.escrowStatus past assignment: the
// funding, execution, release, and override paths of the lifecycle. Every
// mutation runs inside one transaction under the job row lock, and consults
// the transition guard tables before writing.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/audit"
	"escrowflow/commission"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/notify"
	"escrowflow/quote"
	"escrowflow/settlement"
	"escrowflow/transition"
)

// OverrideAction is an admin-forced escrow resolution.
type OverrideAction string

const (
	OverrideRelease OverrideAction = "release"
	OverrideRefund  OverrideAction = "refund"
)

// MinOverrideReasonLen guards against empty-handed overrides.
const MinOverrideReasonLen = 5

// FundResult reports how Fund proceeded: either escrow funded immediately
// (offline mode) or the requester must follow RedirectURL.
type FundResult struct {
	Funded      bool
	SessionRef  string
	RedirectURL string
}

type Engine struct {
	pool           *pgxpool.Pool
	settlements    *settlement.Store
	calc           commission.Calculator
	gateway        PaymentGateway
	gatewayTimeout time.Duration
	notifier       notify.Publisher
	idGenerator    func() string
}

// NewEngine wires the lifecycle engine. gateway may be nil for offline
// operation.
func NewEngine(pool *pgxpool.Pool, settlements *settlement.Store, calc commission.Calculator, gateway PaymentGateway, gatewayTimeout time.Duration, notifier notify.Publisher) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &Engine{
		pool:           pool,
		settlements:    settlements,
		calc:           calc,
		gateway:        gateway,
		gatewayTimeout: gatewayTimeout,
		notifier:       notifier,
		idGenerator:    func() string { return uuid.NewString() },
	}
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

// Fund opens the funding path for an assigned, unfunded job. With a gateway
// configured it creates a hosted session and records it; the job itself is
// not mutated until the gateway confirms, so a gateway failure leaves the job
// exactly as it was. Without a gateway escrow funds immediately.
func (e *Engine) Fund(ctx context.Context, caller identity.Identity, jobID string, amount *float64) (FundResult, error) {
	j, err := job.Get(ctx, e.pool, jobID)
	if err != nil {
		return FundResult{}, err
	}
	if j.RequesterID != caller.SubjectID {
		return FundResult{}, fault.Forbidden("only the job requester may fund escrow")
	}
	if j.Status != transition.JobAssigned {
		return FundResult{}, fault.Unprocessable(fmt.Sprintf("job is %s, escrow can only be funded once assigned", j.Status))
	}
	if d := transition.Escrow(j.EscrowStatus, transition.EscrowFunded); !d.Allowed {
		return FundResult{}, fault.Unprocessable(d.Reason)
	}

	fundAmount, err := e.resolveAmount(ctx, j, amount)
	if err != nil {
		return FundResult{}, err
	}

	if e.gateway == nil {
		return e.fundImmediately(ctx, caller, j, fundAmount)
	}

	// The gateway call is bounded and happens before any state is written:
	// on failure the job stays in its pre-call state and the caller retries.
	gwCtx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	defer cancel()
	session, err := e.gateway.CreateHostedSession(gwCtx, fundAmount, j.ID)
	if err != nil {
		return FundResult{}, fmt.Errorf("escrow: payment gateway unavailable, try again: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return FundResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err = job.LockForUpdate(ctx, tx, jobID)
	if err != nil {
		return FundResult{}, err
	}
	if j.Status != transition.JobAssigned || j.EscrowStatus != transition.EscrowNotFunded {
		return FundResult{}, fault.Unprocessable("job state changed while creating the payment session")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_sessions (session_ref, job_id, amount) VALUES ($1, $2, $3)
	`, session.Ref, j.ID, fundAmount); err != nil {
		return FundResult{}, fmt.Errorf("escrow: record session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FundResult{}, fmt.Errorf("escrow: commit session: %w", err)
	}

	return FundResult{SessionRef: session.Ref, RedirectURL: session.RedirectURL}, nil
}

func (e *Engine) fundImmediately(ctx context.Context, caller identity.Identity, stale job.Job, amount float64) (FundResult, error) {
	sessionRef := "offline-" + e.idGenerator()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return FundResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := job.LockForUpdate(ctx, tx, stale.ID)
	if err != nil {
		return FundResult{}, err
	}
	if j.Status != transition.JobAssigned {
		return FundResult{}, fault.Unprocessable(fmt.Sprintf("job is %s, escrow can only be funded once assigned", j.Status))
	}
	if d := transition.Escrow(j.EscrowStatus, transition.EscrowFunded); !d.Allowed {
		return FundResult{}, fault.Unprocessable(d.Reason)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_sessions (session_ref, job_id, amount, confirmed_at) VALUES ($1, $2, $3, now())
	`, sessionRef, j.ID, amount); err != nil {
		return FundResult{}, fmt.Errorf("escrow: record session: %w", err)
	}

	if err := e.fundTx(ctx, tx, j, amount, ""); err != nil {
		return FundResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FundResult{}, fmt.Errorf("escrow: commit funding: %w", err)
	}

	e.notifyFunded(ctx, j)
	return FundResult{Funded: true, SessionRef: sessionRef}, nil
}

// ConfirmFunded is the gateway-callback entry point. It is idempotent: the
// first call for a session funds the escrow and every later call is a no-op.
func (e *Engine) ConfirmFunded(ctx context.Context, sessionRef string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		jobID       string
		amount      float64
		confirmedAt *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT job_id, amount, confirmed_at FROM escrow_sessions WHERE session_ref = $1 FOR UPDATE
	`, sessionRef).Scan(&jobID, &amount, &confirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.NotFound("unknown payment session")
		}
		return fmt.Errorf("escrow: load session: %w", err)
	}
	if confirmedAt != nil {
		return nil
	}

	j, err := job.LockForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_sessions SET confirmed_at = now() WHERE session_ref = $1
	`, sessionRef); err != nil {
		return fmt.Errorf("escrow: confirm session: %w", err)
	}

	// A session confirmed after the escrow already moved on changes nothing.
	if j.EscrowStatus != transition.EscrowNotFunded {
		return tx.Commit(ctx)
	}

	if err := e.fundTx(ctx, tx, j, amount, ""); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit confirm: %w", err)
	}

	e.notifyFunded(ctx, j)
	return nil
}

// fundTx marks escrow funded and opens the pending settlement record for the
// held amount. Caller holds the job lock and commits.
func (e *Engine) fundTx(ctx context.Context, tx pgx.Tx, j job.Job, amount float64, actorID string) error {
	if err := job.UpdateEscrowStatusTx(ctx, tx, j.ID, transition.EscrowFunded); err != nil {
		return err
	}

	split := e.calc.Split(amount)
	if _, err := e.settlements.InsertTx(ctx, tx, settlement.Record{
		JobID:      j.ID,
		PayerID:    j.RequesterID,
		PayeeID:    j.Provider(),
		Gross:      split.Gross,
		Commission: split.Commission,
		Net:        split.Net,
		Status:     settlement.StatusPending,
	}); err != nil {
		return err
	}

	return audit.Append(ctx, tx, j.ID, audit.EventEscrowFunded, actorID, map[string]any{
		"amount": split.Gross,
	})
}

// Start moves an assigned, funded job to in_progress and appends the
// fulfiller's before-evidence.
func (e *Engine) Start(ctx context.Context, caller identity.Identity, jobID string, beforeEvidence []string) (job.Job, error) {
	return e.advance(ctx, caller, jobID, transition.JobInProgress, beforeEvidence, false, audit.EventJobStarted)
}

// Complete moves an in-progress job to completed, appends after-evidence,
// and asks the requester to review and release.
func (e *Engine) Complete(ctx context.Context, caller identity.Identity, jobID string, afterEvidence []string) (job.Job, error) {
	return e.advance(ctx, caller, jobID, transition.JobCompleted, afterEvidence, true, audit.EventJobCompleted)
}

func (e *Engine) advance(ctx context.Context, caller identity.Identity, jobID string, target transition.JobStatus, evidence []string, after bool, eventType string) (job.Job, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return job.Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := job.LockForUpdate(ctx, tx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Provider() == "" || j.Provider() != caller.SubjectID {
		return job.Job{}, fault.Forbidden("only the assigned fulfiller may update this job")
	}
	if d := transition.Job(j.Status, target); !d.Allowed {
		return job.Job{}, fault.Unprocessable(d.Reason)
	}
	// Work never starts against an empty escrow: Fund only accepts assigned
	// jobs, so an unfunded in_progress job could never be funded afterwards.
	if target == transition.JobInProgress && j.EscrowStatus != transition.EscrowFunded {
		return job.Job{}, fault.Unprocessable("escrow must be funded before work starts")
	}

	if err := job.AppendEvidenceTx(ctx, tx, j, after, evidence); err != nil {
		return job.Job{}, err
	}
	if err := job.UpdateStatusTx(ctx, tx, j.ID, target); err != nil {
		return job.Job{}, err
	}
	if err := audit.Append(ctx, tx, j.ID, eventType, caller.SubjectID, map[string]any{
		"status": target,
	}); err != nil {
		return job.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return job.Job{}, fmt.Errorf("escrow: commit: %w", err)
	}

	fields := map[string]any{"status": target}
	if target == transition.JobCompleted {
		fields["action"] = "review the work and release escrow"
	}
	e.notifier.Publish(ctx, notify.Event{
		Recipient: j.RequesterID,
		Entity:    "job",
		EntityID:  j.ID,
		Fields:    fields,
	})

	updated, err := job.Get(ctx, e.pool, jobID)
	if err != nil {
		return job.Job{}, err
	}
	return updated, nil
}

// Release settles the full held amount to the fulfiller. Only valid on a
// completed job with funded escrow; a second call fails on the escrow guard
// and no second settlement is created.
func (e *Engine) Release(ctx context.Context, caller identity.Identity, jobID string) error {
	return e.release(ctx, caller, jobID, nil)
}

// PartialRelease settles only amount; the remainder of the held funds is
// forfeited from escrow, not carried forward.
func (e *Engine) PartialRelease(ctx context.Context, caller identity.Identity, jobID string, amount float64) error {
	if amount <= 0 {
		return fault.Validation("release amount must be a positive amount")
	}
	return e.release(ctx, caller, jobID, &amount)
}

func (e *Engine) release(ctx context.Context, caller identity.Identity, jobID string, partial *float64) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := job.LockForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if j.RequesterID != caller.SubjectID {
		return fault.Forbidden("only the job requester may release escrow")
	}
	if j.Status != transition.JobCompleted {
		return fault.Unprocessable(fmt.Sprintf("job is %s, escrow is released after completion", j.Status))
	}
	if d := transition.Escrow(j.EscrowStatus, transition.EscrowReleased); !d.Allowed {
		return fault.Unprocessable(d.Reason)
	}

	if partial != nil && *partial > j.Budget {
		return fault.Validation("release amount cannot exceed the job budget")
	}

	if err := job.UpdateEscrowStatusTx(ctx, tx, j.ID, transition.EscrowReleased); err != nil {
		return err
	}

	eventType := audit.EventEscrowReleased
	payload := map[string]any{}

	if partial == nil {
		if err := e.settleFullTx(ctx, tx, j); err != nil {
			return err
		}
	} else {
		// Forfeit the held record, settle only the partial amount.
		if _, err := e.settlements.RefundByJobTx(ctx, tx, j.ID); err != nil {
			return err
		}
		split := e.calc.Split(*partial)
		rec, err := e.settlements.InsertTx(ctx, tx, settlement.Record{
			JobID:      j.ID,
			PayerID:    j.RequesterID,
			PayeeID:    j.Provider(),
			Gross:      split.Gross,
			Commission: split.Commission,
			Net:        split.Net,
			Status:     settlement.StatusCompleted,
		})
		if err != nil {
			return err
		}
		payload["partial_amount"] = split.Gross
		payload["transaction_id"] = rec.ID
	}

	if err := e.recomputeCompletionRateTx(ctx, tx, j.Provider()); err != nil {
		return err
	}

	if err := audit.Append(ctx, tx, j.ID, eventType, caller.SubjectID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit release: %w", err)
	}

	e.notifier.Publish(ctx, notify.Event{
		Recipient: j.Provider(),
		Entity:    "escrow",
		EntityID:  j.ID,
		Fields:    map[string]any{"escrow_status": transition.EscrowReleased},
	})
	return nil
}

// settleFullTx completes the pending settlement opened at funding time. If no
// pending record exists (a prior write was lost mid-saga), the settlement is
// re-derived from the accepted quote or budget rather than trusted to a flag.
func (e *Engine) settleFullTx(ctx context.Context, tx pgx.Tx, j job.Job) error {
	n, err := e.settlements.CompletePendingByJobTx(ctx, tx, j.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	amount, err := e.resolveAmountTx(ctx, tx, j, nil)
	if err != nil {
		return err
	}
	split := e.calc.Split(amount)
	_, err = e.settlements.InsertTx(ctx, tx, settlement.Record{
		JobID:      j.ID,
		PayerID:    j.RequesterID,
		PayeeID:    j.Provider(),
		Gross:      split.Gross,
		Commission: split.Commission,
		Net:        split.Net,
		Status:     settlement.StatusCompleted,
	})
	return err
}

// AdminOverride forces an escrow resolution outside the normal flow. The
// job need not be completed, but the escrow must still be funded. Every
// override is audited with the admin identity and reason, and both
// participants are notified.
func (e *Engine) AdminOverride(ctx context.Context, caller identity.Identity, jobID string, action OverrideAction, reason string) error {
	if caller.Role != identity.RoleAdmin {
		return fault.Forbidden("only admins may override escrow")
	}
	if action != OverrideRelease && action != OverrideRefund {
		return fault.Validation(fmt.Sprintf("unknown override action %q", action))
	}
	if len(strings.TrimSpace(reason)) < MinOverrideReasonLen {
		return fault.Validation(fmt.Sprintf("override reason must be at least %d characters", MinOverrideReasonLen))
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := job.LockForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}

	target := transition.EscrowReleased
	if action == OverrideRefund {
		target = transition.EscrowRefunded
	}
	if d := transition.Escrow(j.EscrowStatus, target); !d.Allowed {
		return fault.Unprocessable(d.Reason)
	}

	if err := job.UpdateEscrowStatusTx(ctx, tx, j.ID, target); err != nil {
		return err
	}

	switch action {
	case OverrideRelease:
		if err := e.settleFullTx(ctx, tx, j); err != nil {
			return err
		}
		if j.Status != transition.JobCompleted && !transition.JobTerminal(j.Status) {
			if err := job.UpdateStatusTx(ctx, tx, j.ID, transition.JobCompleted); err != nil {
				return err
			}
		}
		if err := e.recomputeCompletionRateTx(ctx, tx, j.Provider()); err != nil {
			return err
		}
	case OverrideRefund:
		if _, err := e.settlements.RefundByJobTx(ctx, tx, j.ID); err != nil {
			return err
		}
		if err := job.UpdateStatusTx(ctx, tx, j.ID, transition.JobRefunded); err != nil {
			return err
		}
	}

	if err := audit.Append(ctx, tx, j.ID, audit.EventAdminOverride, caller.SubjectID, map[string]any{
		"action": action,
		"reason": strings.TrimSpace(reason),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit override: %w", err)
	}

	events := []notify.Event{{
		Recipient: j.RequesterID,
		Entity:    "escrow",
		EntityID:  j.ID,
		Fields:    map[string]any{"escrow_status": target, "by": "admin"},
	}}
	if provider := j.Provider(); provider != "" {
		events = append(events, notify.Event{
			Recipient: provider,
			Entity:    "escrow",
			EntityID:  j.ID,
			Fields:    map[string]any{"escrow_status": target, "by": "admin"},
		})
	}
	e.notifier.Publish(ctx, events...)
	return nil
}

// resolveAmount picks the funding amount: explicit override, else the
// accepted quote amount, else the job budget.
func (e *Engine) resolveAmount(ctx context.Context, j job.Job, override *float64) (float64, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return e.resolveAmountTx(ctx, tx, j, override)
}

func (e *Engine) resolveAmountTx(ctx context.Context, tx pgx.Tx, j job.Job, override *float64) (float64, error) {
	if override != nil {
		if *override <= 0 {
			return 0, fault.Validation("amount must be a positive amount")
		}
		if *override > j.Budget {
			return 0, fault.Validation("amount cannot exceed the job budget")
		}
		return *override, nil
	}
	accepted, ok, err := quote.AcceptedForJobTx(ctx, tx, j.ID)
	if err != nil {
		return 0, err
	}
	if ok {
		return accepted.Amount, nil
	}
	return j.Budget, nil
}

// recomputeCompletionRateTx refreshes the fulfiller's completion-rate metric
// from source rows: completed jobs over all jobs ever assigned to them.
func (e *Engine) recomputeCompletionRateTx(ctx context.Context, tx pgx.Tx, providerID string) error {
	if providerID == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE users SET completion_rate = sub.rate, updated_at = now()
		FROM (
			SELECT COALESCE(
				COUNT(*) FILTER (WHERE status = 'completed')::float / NULLIF(COUNT(*), 0), 0
			) AS rate
			FROM jobs WHERE provider_id = $1
		) AS sub
		WHERE users.id = $1
	`, providerID); err != nil {
		return fmt.Errorf("escrow: recompute completion rate: %w", err)
	}
	return nil
}

func (e *Engine) notifyFunded(ctx context.Context, j job.Job) {
	events := []notify.Event{{
		Recipient: j.RequesterID,
		Entity:    "escrow",
		EntityID:  j.ID,
		Fields:    map[string]any{"escrow_status": transition.EscrowFunded},
	}}
	if provider := j.Provider(); provider != "" {
		events = append(events, notify.Event{
			Recipient: provider,
			Entity:    "escrow",
			EntityID:  j.ID,
			Fields:    map[string]any{"escrow_status": transition.EscrowFunded},
		})
	}
	e.notifier.Publish(ctx, events...)
}
