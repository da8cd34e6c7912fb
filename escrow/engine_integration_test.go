package escrow

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/commission"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/migrate"
	"escrowflow/notify"
	"escrowflow/quote"
	"escrowflow/settlement"
	"escrowflow/transition"
)

// lifecycle bundles everything the engine integration tests need: two seeded
// participants and a job that already went through quoting and assignment.
type lifecycle struct {
	pool        *pgxpool.Pool
	engine      *Engine
	settlements *settlement.Store
	requester   identity.Identity
	fulfiller   identity.Identity
	admin       identity.Identity
	jobID       string
}

func newLifecycle(t *testing.T, ctx context.Context, budget, quoteAmount float64) *lifecycle {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrate.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	lc := &lifecycle{
		pool:        pool,
		settlements: settlement.NewStore(pool),
		requester:   seedLifecycleUser(t, ctx, pool, identity.RoleRequester),
		fulfiller:   seedLifecycleUser(t, ctx, pool, identity.RoleFulfiller),
		admin:       seedLifecycleUser(t, ctx, pool, identity.RoleAdmin),
	}
	lc.engine = NewEngine(pool, lc.settlements, commission.New(0.10), nil, 0, notify.Nop{})

	jobs := job.NewService(pool, notify.Nop{}, 70)
	posted, err := jobs.Create(ctx, lc.requester, job.CreateParams{
		Category:    "electrical",
		Description: "rewire the garage subpanel and label every breaker",
		Budget:      budget,
		ScheduledAt: time.Now().Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	lc.jobID = posted.ID

	quotes := quote.NewService(pool, notify.Nop{})
	q, err := quotes.Submit(ctx, lc.fulfiller, quote.SubmitParams{
		JobID:   posted.ID,
		Amount:  quoteAmount,
		Message: "I hold a license for residential panel work.",
	})
	if err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	if _, err := quotes.Accept(ctx, lc.requester, q.ID); err != nil {
		t.Fatalf("accept quote: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Exec(ctx2, `DELETE FROM job_events WHERE job_id = $1`, lc.jobID)
		pool.Exec(ctx2, `DELETE FROM escrow_sessions WHERE job_id = $1`, lc.jobID)
		pool.Exec(ctx2, `DELETE FROM settlement_transactions WHERE job_id = $1`, lc.jobID)
		pool.Exec(ctx2, `DELETE FROM quotes WHERE job_id = $1`, lc.jobID)
		pool.Exec(ctx2, `DELETE FROM jobs WHERE id = $1`, lc.jobID)
		for _, who := range []identity.Identity{lc.requester, lc.fulfiller, lc.admin} {
			pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, who.SubjectID)
		}
	})

	return lc
}

func seedLifecycleUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role identity.Role) identity.Identity {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, $2, 'x', $3) RETURNING id
	`, fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), "Lifecycle User", role).Scan(&id)
	if err != nil {
		t.Fatalf("seed %s: %v", role, err)
	}
	return identity.Identity{SubjectID: id, Role: role}
}

func (lc *lifecycle) reload(t *testing.T, ctx context.Context) job.Job {
	t.Helper()
	j, err := job.Get(ctx, lc.pool, lc.jobID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return j
}

func TestEngineFullLifecycle_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	lc := newLifecycle(t, ctx, 1800, 1500)

	// Work cannot begin against an empty escrow.
	_, err := lc.engine.Start(ctx, lc.fulfiller, lc.jobID, nil)
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindUnprocessable {
		t.Fatalf("expected unprocessable start before funding, got %v", err)
	}

	// Offline mode: no gateway configured, funding happens immediately at
	// the accepted quote amount.
	res, err := lc.engine.Fund(ctx, lc.requester, lc.jobID, nil)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !res.Funded {
		t.Fatalf("expected immediate funding without a gateway")
	}

	if got := lc.reload(t, ctx).EscrowStatus; got != transition.EscrowFunded {
		t.Fatalf("expected escrow funded, got %s", got)
	}

	recs, err := lc.settlements.ListByJob(ctx, lc.jobID)
	if err != nil {
		t.Fatalf("list settlements: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != settlement.StatusPending {
		t.Fatalf("expected one pending settlement, got %+v", recs)
	}
	if recs[0].Gross != 1500 || recs[0].Commission != 150 || recs[0].Net != 1350 {
		t.Fatalf("unexpected split: gross=%v commission=%v net=%v", recs[0].Gross, recs[0].Commission, recs[0].Net)
	}

	// A replayed confirm for the already-confirmed session changes nothing.
	if err := lc.engine.ConfirmFunded(ctx, res.SessionRef); err != nil {
		t.Fatalf("confirm replay: %v", err)
	}
	if recs, _ = lc.settlements.ListByJob(ctx, lc.jobID); len(recs) != 1 {
		t.Fatalf("expected settlement count unchanged after replay, got %d", len(recs))
	}

	// Funding twice fails on the escrow guard.
	if _, err := lc.engine.Fund(ctx, lc.requester, lc.jobID, nil); err == nil {
		t.Fatalf("expected double fund to fail")
	}

	if _, err := lc.engine.Start(ctx, lc.requester, lc.jobID, nil); err == nil {
		t.Fatalf("expected start by requester to be forbidden")
	}

	// Oversized evidence is rejected rather than quietly dropped.
	tooMany := []string{"p1", "p2", "p3", "p4"}
	_, err = lc.engine.Start(ctx, lc.fulfiller, lc.jobID, tooMany)
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindValidation {
		t.Fatalf("expected validation fault for %d evidence refs, got %v", len(tooMany), err)
	}
	if got := lc.reload(t, ctx); got.Status != transition.JobAssigned || len(got.BeforeEvidence) != 0 {
		t.Fatalf("expected rejected start to leave job untouched, got %s with %v", got.Status, got.BeforeEvidence)
	}

	started, err := lc.engine.Start(ctx, lc.fulfiller, lc.jobID, []string{"photo-before-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != transition.JobInProgress {
		t.Fatalf("expected in_progress, got %s", started.Status)
	}
	if len(started.BeforeEvidence) != 1 {
		t.Fatalf("expected before evidence recorded, got %v", started.BeforeEvidence)
	}

	// Release before completion is rejected.
	if err := lc.engine.Release(ctx, lc.requester, lc.jobID); err == nil {
		t.Fatalf("expected release before completion to fail")
	}

	completed, err := lc.engine.Complete(ctx, lc.fulfiller, lc.jobID, []string{"photo-after-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != transition.JobCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	if err := lc.engine.Release(ctx, lc.fulfiller, lc.jobID); err == nil {
		t.Fatalf("expected release by fulfiller to be forbidden")
	}
	if err := lc.engine.Release(ctx, lc.requester, lc.jobID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := lc.reload(t, ctx).EscrowStatus; got != transition.EscrowReleased {
		t.Fatalf("expected escrow released, got %s", got)
	}
	recs, err = lc.settlements.ListByJob(ctx, lc.jobID)
	if err != nil {
		t.Fatalf("list settlements after release: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != settlement.StatusCompleted || recs[0].Gross != 1500 {
		t.Fatalf("expected exactly one completed settlement of 1500, got %+v", recs)
	}

	// Releasing again cannot create a second settlement.
	if err := lc.engine.Release(ctx, lc.requester, lc.jobID); err == nil {
		t.Fatalf("expected second release to fail")
	}
	if recs, _ = lc.settlements.ListByJob(ctx, lc.jobID); len(recs) != 1 {
		t.Fatalf("expected settlement count unchanged, got %d", len(recs))
	}

	var rate float64
	if err := lc.pool.QueryRow(ctx, `SELECT completion_rate FROM users WHERE id = $1`, lc.fulfiller.SubjectID).Scan(&rate); err != nil {
		t.Fatalf("read completion rate: %v", err)
	}
	if rate != 1 {
		t.Fatalf("expected completion rate 1, got %v", rate)
	}
}

func TestEnginePartialRelease_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	lc := newLifecycle(t, ctx, 1000, 1000)

	if _, err := lc.engine.Fund(ctx, lc.requester, lc.jobID, nil); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := lc.engine.Start(ctx, lc.fulfiller, lc.jobID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := lc.engine.Complete(ctx, lc.fulfiller, lc.jobID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	err := lc.engine.PartialRelease(ctx, lc.requester, lc.jobID, 1200)
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindValidation {
		t.Fatalf("expected validation fault above budget, got %v", err)
	}

	if err := lc.engine.PartialRelease(ctx, lc.requester, lc.jobID, 500); err != nil {
		t.Fatalf("partial release: %v", err)
	}

	recs, err := lc.settlements.ListByJob(ctx, lc.jobID)
	if err != nil {
		t.Fatalf("list settlements: %v", err)
	}
	var completedCount, refundedCount int
	for _, rec := range recs {
		switch rec.Status {
		case settlement.StatusCompleted:
			completedCount++
			if rec.Gross != 500 || rec.Commission != 50 || rec.Net != 450 {
				t.Fatalf("unexpected partial split: %+v", rec)
			}
		case settlement.StatusRefunded:
			refundedCount++
			if rec.Gross != 1000 {
				t.Fatalf("expected held 1000 refunded, got %+v", rec)
			}
		}
	}
	if completedCount != 1 || refundedCount != 1 {
		t.Fatalf("expected one completed and one refunded settlement, got %+v", recs)
	}

	if got := lc.reload(t, ctx).EscrowStatus; got != transition.EscrowReleased {
		t.Fatalf("expected escrow released, got %s", got)
	}
}

func TestEngineAdminOverride_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	lc := newLifecycle(t, ctx, 900, 800)

	if _, err := lc.engine.Fund(ctx, lc.requester, lc.jobID, nil); err != nil {
		t.Fatalf("fund: %v", err)
	}

	err := lc.engine.AdminOverride(ctx, lc.requester, lc.jobID, OverrideRefund, "requester asked nicely")
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindForbidden {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}

	err = lc.engine.AdminOverride(ctx, lc.admin, lc.jobID, OverrideRefund, "xx")
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindValidation {
		t.Fatalf("expected validation for short reason, got %v", err)
	}

	if err := lc.engine.AdminOverride(ctx, lc.admin, lc.jobID, OverrideRefund, "fulfiller never showed up"); err != nil {
		t.Fatalf("override refund: %v", err)
	}

	j := lc.reload(t, ctx)
	if j.Status != transition.JobRefunded || j.EscrowStatus != transition.EscrowRefunded {
		t.Fatalf("expected refunded job and escrow, got %s/%s", j.Status, j.EscrowStatus)
	}

	recs, err := lc.settlements.ListByJob(ctx, lc.jobID)
	if err != nil {
		t.Fatalf("list settlements: %v", err)
	}
	for _, rec := range recs {
		if rec.Status != settlement.StatusRefunded {
			t.Fatalf("expected every settlement refunded, got %+v", rec)
		}
	}

	// The escrow is terminal; a second override cannot move it again.
	if err := lc.engine.AdminOverride(ctx, lc.admin, lc.jobID, OverrideRelease, "changed my mind entirely"); err == nil {
		t.Fatalf("expected override after refund to fail")
	}
}
