package job

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/audit"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/notify"
	"escrowflow/transition"
)

// Service owns job creation, screening, listing, and the open-job expiry
// sweep. Status mutations past `open` belong to the quote, escrow, and
// dispute services.
type Service struct {
	pool          *pgxpool.Pool
	notifier      notify.Publisher
	riskThreshold int
	idGenerator   func() string
	now           func() time.Time
}

func NewService(pool *pgxpool.Pool, notifier notify.Publisher, riskThreshold int) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if riskThreshold <= 0 || riskThreshold > 100 {
		riskThreshold = 70
	}
	return &Service{
		pool:          pool,
		notifier:      notifier,
		riskThreshold: riskThreshold,
		idGenerator:   func() string { return uuid.NewString() },
		now:           time.Now,
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

// Create inserts a new job in pending_validation and immediately screens it:
// low-risk jobs open for quoting, high-risk jobs are rejected.
func (s *Service) Create(ctx context.Context, caller identity.Identity, params CreateParams) (Job, error) {
	if caller.Role != identity.RoleRequester {
		return Job{}, fault.Forbidden("only requesters may post jobs")
	}
	if strings.TrimSpace(params.Category) == "" {
		return Job{}, fault.Validation("category is required")
	}
	if params.Budget <= 0 {
		return Job{}, fault.Validation("budget must be a positive amount")
	}
	if !params.ScheduledAt.After(s.now()) {
		return Job{}, fault.Validation("schedule time must be in the future")
	}

	risk := scoreRisk(params, s.now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO jobs (id, requester_id, category, description, budget, status, risk_score, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + jobColumns

	created, err := scanJob(tx.QueryRow(ctx, insertSQL,
		s.idGenerator(),
		caller.SubjectID,
		strings.TrimSpace(params.Category),
		strings.TrimSpace(params.Description),
		params.Budget,
		transition.JobPendingValidation,
		risk,
		params.ScheduledAt,
	))
	if err != nil {
		return Job{}, fmt.Errorf("job: insert: %w", err)
	}

	if err := audit.Append(ctx, tx, created.ID, audit.EventJobCreated, caller.SubjectID, map[string]any{
		"category":   created.Category,
		"budget":     created.Budget,
		"risk_score": created.RiskScore,
	}); err != nil {
		return Job{}, err
	}

	screened, err := s.screenTx(ctx, tx, created)
	if err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit: %w", err)
	}

	s.notifier.Publish(ctx, notify.Event{
		Recipient: created.RequesterID,
		Entity:    "job",
		EntityID:  created.ID,
		Fields:    map[string]any{"status": screened.Status},
	})

	return screened, nil
}

// screenTx applies the risk threshold inside the caller's transaction.
func (s *Service) screenTx(ctx context.Context, tx pgx.Tx, j Job) (Job, error) {
	target := transition.JobOpen
	if j.RiskScore >= s.riskThreshold {
		target = transition.JobRejected
	}
	if d := transition.Job(j.Status, target); !d.Allowed {
		return Job{}, fault.Unprocessable(d.Reason)
	}
	if err := UpdateStatusTx(ctx, tx, j.ID, target); err != nil {
		return Job{}, err
	}
	if err := audit.Append(ctx, tx, j.ID, audit.EventJobScreened, "", map[string]any{
		"risk_score": j.RiskScore,
		"status":     target,
	}); err != nil {
		return Job{}, err
	}
	j.Status = target
	return j, nil
}

// Get returns a job visible to the caller: participants and admins see
// everything, other fulfillers only see jobs still open for quoting.
func (s *Service) Get(ctx context.Context, caller identity.Identity, jobID string) (Job, error) {
	j, err := Get(ctx, s.pool, jobID)
	if err != nil {
		return Job{}, err
	}
	if caller.Role == identity.RoleAdmin || j.IsParticipant(caller.SubjectID) {
		return j, nil
	}
	if caller.Role == identity.RoleFulfiller && j.Status == transition.JobOpen {
		return j, nil
	}
	return Job{}, fault.Forbidden("you are not a participant of this job")
}

// ListFilters narrows the role-scoped listing.
type ListFilters struct {
	Status   transition.JobStatus
	Page     int
	PageSize int
}

// listScope is the per-role visibility strategy: each role maps to the WHERE
// fragment that scopes its listing.
var listScope = map[identity.Role]func(subjectID string) (string, []any){
	identity.RoleRequester: func(subjectID string) (string, []any) {
		return `requester_id = $1`, []any{subjectID}
	},
	identity.RoleFulfiller: func(subjectID string) (string, []any) {
		return `(provider_id = $1 OR status = 'open')`, []any{subjectID}
	},
	identity.RoleAdmin: func(string) (string, []any) {
		return `TRUE`, nil
	},
}

// List returns jobs visible to the caller, newest first.
func (s *Service) List(ctx context.Context, caller identity.Identity, filters ListFilters) ([]Job, error) {
	scope, ok := listScope[caller.Role]
	if !ok {
		return nil, fault.Forbidden("unknown role")
	}
	where, args := scope(caller.SubjectID)

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where
	if filters.Status != "" {
		if !transition.ValidJobStatus(filters.Status) {
			return nil, fault.Validation(fmt.Sprintf("unknown status filter %q", filters.Status))
		}
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	page := filters.Page
	if page <= 0 {
		page = 1
	}
	size := filters.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return scanJobs(rows)
}

// ExpireStaleOpen moves open jobs whose schedule time passed before cutoff to
// expired. Returns the ids swept; invoked by the scheduler.
func (s *Service) ExpireStaleOpen(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("job: begin expiry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE jobs SET status = $1, updated_at = now()
		WHERE status = $2 AND scheduled_at < $3
		RETURNING id, requester_id
	`, transition.JobExpired, transition.JobOpen, cutoff)
	if err != nil {
		return nil, fmt.Errorf("job: expire sweep: %w", err)
	}

	type swept struct{ id, requester string }
	var sweptJobs []swept
	for rows.Next() {
		var sw swept
		if err := rows.Scan(&sw.id, &sw.requester); err != nil {
			rows.Close()
			return nil, fmt.Errorf("job: scan expired: %w", err)
		}
		sweptJobs = append(sweptJobs, sw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate expired: %w", err)
	}

	for _, sw := range sweptJobs {
		if err := audit.Append(ctx, tx, sw.id, audit.EventJobExpired, "", nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("job: commit expiry: %w", err)
	}

	ids := make([]string, 0, len(sweptJobs))
	events := make([]notify.Event, 0, len(sweptJobs))
	for _, sw := range sweptJobs {
		ids = append(ids, sw.id)
		events = append(events, notify.Event{
			Recipient: sw.requester,
			Entity:    "job",
			EntityID:  sw.id,
			Fields:    map[string]any{"status": transition.JobExpired},
		})
	}
	s.notifier.Publish(ctx, events...)

	return ids, nil
}
