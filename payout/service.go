// Package payout manages fulfiller withdrawals of settled net earnings. The
// available balance is always recomputed from the settlement and payout
// source rows, never cached, so it cannot drift.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/notify"
	"escrowflow/settlement"
)

const payoutColumns = `id, fulfiller_id, amount, bank_name, account_name, account_number,
	status, notes, processed_at, created_at, updated_at`

type Service struct {
	pool        *pgxpool.Pool
	notifier    notify.Publisher
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool *pgxpool.Pool, notifier notify.Publisher) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		pool:        pool,
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AvailableBalance recomputes what the fulfiller may withdraw: the net of
// completed settlements where they are the payee, minus every payout not in
// rejected state.
func (s *Service) AvailableBalance(ctx context.Context, fulfillerID string) (float64, error) {
	return s.availableBalance(ctx, s.pool, fulfillerID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Service) availableBalance(ctx context.Context, q querier, fulfillerID string) (float64, error) {
	var earned float64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(net), 0)
		FROM settlement_transactions
		WHERE payee_id = $1 AND status = $2
	`, fulfillerID, settlement.StatusCompleted).Scan(&earned)
	if err != nil {
		return 0, fmt.Errorf("payout: sum settled net: %w", err)
	}

	var drawn float64
	err = q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payout_requests
		WHERE fulfiller_id = $1 AND status <> $2
	`, fulfillerID, StatusRejected).Scan(&drawn)
	if err != nil {
		return 0, fmt.Errorf("payout: sum drawn: %w", err)
	}

	return math.Round((earned-drawn)*100) / 100, nil
}

// Request creates a pending payout for the caller. The balance check and the
// insert share one transaction holding the fulfiller's user row lock, so two
// concurrent requests cannot both draw against the same funds.
func (s *Service) Request(ctx context.Context, caller identity.Identity, amount float64, bank BankDetails) (Request, error) {
	if caller.Role != identity.RoleFulfiller {
		return Request{}, fault.Forbidden("only fulfillers may request payouts")
	}
	if amount <= 0 {
		return Request{}, fault.Validation("payout amount must be a positive amount")
	}
	if strings.TrimSpace(bank.BankName) == "" || strings.TrimSpace(bank.AccountName) == "" || strings.TrimSpace(bank.AccountNumber) == "" {
		return Request{}, fault.Validation("bank name, account name, and account number are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM users WHERE id = $1 FOR UPDATE`, caller.SubjectID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fault.NotFound("fulfiller account not found")
		}
		return Request{}, fmt.Errorf("payout: lock user: %w", err)
	}

	balance, err := s.availableBalance(ctx, tx, caller.SubjectID)
	if err != nil {
		return Request{}, err
	}
	if amount > balance {
		return Request{}, fault.Unprocessable(fmt.Sprintf("requested %.2f exceeds available balance of %.2f", amount, balance))
	}

	req, err := scanRequest(tx.QueryRow(ctx, `
		INSERT INTO payout_requests (id, fulfiller_id, amount, bank_name, account_name, account_number)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+payoutColumns,
		s.idGenerator(), caller.SubjectID, amount,
		strings.TrimSpace(bank.BankName), strings.TrimSpace(bank.AccountName), strings.TrimSpace(bank.AccountNumber)))
	if err != nil {
		return Request{}, fmt.Errorf("payout: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("payout: commit: %w", err)
	}

	s.notifier.Publish(ctx, notify.Event{
		Recipient: caller.SubjectID,
		Entity:    "payout",
		EntityID:  req.ID,
		Fields:    map[string]any{"status": StatusPending, "amount": req.Amount},
	})

	return req, nil
}

// statusMessages are the per-status notification texts sent to the fulfiller.
var statusMessages = map[Status]string{
	StatusProcessing: "your payout is being processed",
	StatusCompleted:  "your payout has been sent to your bank",
	StatusRejected:   "your payout was rejected",
}

// UpdateStatus applies an admin transition to a payout and stamps
// processed_at when it enters processing or completed.
func (s *Service) UpdateStatus(ctx context.Context, caller identity.Identity, payoutID string, status Status, notes string) (Request, error) {
	if caller.Role != identity.RoleAdmin {
		return Request{}, fault.Forbidden("only admins may update payouts")
	}
	if _, known := next[status]; !known || status == StatusPending {
		return Request{}, fault.Validation(fmt.Sprintf("unknown payout status %q", status))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRequest(tx.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1 FOR UPDATE`, payoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidID(err) {
			return Request{}, fault.NotFound("payout request not found")
		}
		return Request{}, fmt.Errorf("payout: get: %w", err)
	}

	if !canTransition(current.Status, status) {
		return Request{}, fault.Unprocessable(fmt.Sprintf("payout cannot move from %s to %s", current.Status, status))
	}

	var noteArg any
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		noteArg = trimmed
	}

	// processed_at marks money movement; a rejection is not one.
	setProcessed := status == StatusProcessing || status == StatusCompleted

	updated, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE payout_requests
		SET status = $1, notes = COALESCE($2, notes),
			processed_at = CASE WHEN $3 THEN now() ELSE processed_at END,
			updated_at = now()
		WHERE id = $4
		RETURNING `+payoutColumns, status, noteArg, setProcessed, payoutID))
	if err != nil {
		return Request{}, fmt.Errorf("payout: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("payout: commit update: %w", err)
	}

	s.notifier.Publish(ctx, notify.Event{
		Recipient: updated.FulfillerID,
		Entity:    "payout",
		EntityID:  updated.ID,
		Fields:    map[string]any{"status": updated.Status, "message": statusMessages[status]},
	})

	return updated, nil
}

// ExpireStalePending rejects payouts stuck in pending longer than threshold.
// Invoked by the scheduler; returns the ids swept.
func (s *Service) ExpireStalePending(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := s.now().Add(-threshold)

	rows, err := s.pool.Query(ctx, `
		UPDATE payout_requests
		SET status = $1, notes = 'expired: not processed in time', updated_at = now()
		WHERE status = $2 AND created_at < $3
		RETURNING id, fulfiller_id
	`, StatusRejected, StatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("payout: expire sweep: %w", err)
	}
	defer rows.Close()

	var (
		ids    []string
		events []notify.Event
	)
	for rows.Next() {
		var id, fulfillerID string
		if err := rows.Scan(&id, &fulfillerID); err != nil {
			return nil, fmt.Errorf("payout: scan expired: %w", err)
		}
		ids = append(ids, id)
		events = append(events, notify.Event{
			Recipient: fulfillerID,
			Entity:    "payout",
			EntityID:  id,
			Fields:    map[string]any{"status": StatusRejected, "message": "your payout expired before processing"},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payout: iterate expired: %w", err)
	}

	s.notifier.Publish(ctx, events...)
	return ids, nil
}

// ListByFulfiller returns the caller's payout history, newest first. Admins
// may list for any fulfiller.
func (s *Service) ListByFulfiller(ctx context.Context, caller identity.Identity, fulfillerID string) ([]Request, error) {
	if caller.Role != identity.RoleAdmin && caller.SubjectID != fulfillerID {
		return nil, fault.Forbidden("you may only list your own payouts")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE fulfiller_id = $1 ORDER BY created_at DESC`, fulfillerID)
	if err != nil {
		return nil, fmt.Errorf("payout: list: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("payout: scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payout: iterate: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var r Request
	err := row.Scan(
		&r.ID,
		&r.FulfillerID,
		&r.Amount,
		&r.BankName,
		&r.AccountName,
		&r.AccountNumber,
		&r.Status,
		&r.Notes,
		&r.ProcessedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}
