package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/commission"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/notify"
	"escrowflow/payout"
	"escrowflow/quote"
	"escrowflow/settlement"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of racing accepters")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
)

// TestLifecycleConcurrency races the whole job lifecycle on one job: many
// accepters fighting over the quotes, a funder, workers, releasers, and
// payout drawers, with a chaos goroutine killing database backends. The
// oracles assert the money and state invariants the whole time.
func TestLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+120*time.Second)
	defer cancel()

	if !dockerAvailable(ctx) {
		t.Skip("docker is not available; skipping container-backed stress test")
	}

	harness, err := infra.NewHarness(ctx)
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	defer harness.Close(context.Background())
	pool := harness.Pool()

	seedData := mustSeed(t, ctx, pool)

	settlements := settlement.NewStore(pool)
	engine := escrow.NewEngine(pool, settlements, commission.New(0.10), nil, 0, notify.Nop{})
	quotes := quote.NewService(pool, notify.Nop{})
	payouts := payout.NewService(pool, notify.Nop{})

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Accepter(ctx2, quotes, seedData.requester, seedData.quoteIDs, stop)
		})
	}
	g.Go(func() error { return actors.Funder(ctx2, engine, seedData.requester, seedData.jobID, stop) })
	for _, fulfiller := range seedData.fulfillers {
		g.Go(func() error { return actors.Worker(ctx2, engine, fulfiller, seedData.jobID, stop) })
		g.Go(func() error { return actors.Drawer(ctx2, payouts, fulfiller, stop) })
	}
	g.Go(func() error { return actors.Releaser(ctx2, engine, seedData.requester, seedData.jobID, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, engine, seedData.requester, seedData.jobID, stop) })
	go chaos.KillRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				continue // a chaos-killed connection, not a violation
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Final state: the accept race produced exactly one winner.
	var acceptedCount int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM quotes WHERE job_id = $1 AND status = 'accepted'`, seedData.jobID).Scan(&acceptedCount); err != nil {
		t.Fatalf("count accepted quotes: %v", err)
	}
	if acceptedCount != 1 {
		t.Fatalf("expected exactly one accepted quote, got %d (seed=%d)", acceptedCount, seed)
	}

	var settledCount int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM settlement_transactions WHERE job_id = $1 AND status = 'completed'`, seedData.jobID).Scan(&settledCount); err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if settledCount > 1 {
		t.Fatalf("expected at most one completed settlement, got %d (seed=%d)", settledCount, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	requester  identity.Identity
	fulfillers []identity.Identity
	jobID      string
	quoteIDs   []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()

	seedUser := func(role identity.Role, n int) identity.Identity {
		var id string
		if err := pool.QueryRow(ctx, `
			INSERT INTO users (email, full_name, password_hash, role)
			VALUES ($1, $2, 'x', $3) RETURNING id
		`, fmt.Sprintf("stress-%s-%d@example.com", role, n), "Stress User", role).Scan(&id); err != nil {
			t.Fatalf("seed %s %d: %v", role, n, err)
		}
		return identity.Identity{SubjectID: id, Role: role}
	}

	s := seedIDs{requester: seedUser(identity.RoleRequester, 0)}

	jobs := job.NewService(pool, notify.Nop{}, 70)
	posted, err := jobs.Create(ctx, s.requester, job.CreateParams{
		Category:    "landscaping",
		Description: "clear the backyard and lay fresh sod before the party",
		Budget:      1000,
		ScheduledAt: time.Now().Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	s.jobID = posted.ID

	quotes := quote.NewService(pool, notify.Nop{})
	for i := 0; i < 4; i++ {
		fulfiller := seedUser(identity.RoleFulfiller, i)
		s.fulfillers = append(s.fulfillers, fulfiller)
		q, err := quotes.Submit(ctx, fulfiller, quote.SubmitParams{
			JobID:   s.jobID,
			Amount:  float64(600 + 100*i),
			Message: "Full crew available, all equipment provided on site.",
		})
		if err != nil {
			t.Fatalf("seed quote %d: %v", i, err)
		}
		s.quoteIDs = append(s.quoteIDs, q.ID)
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"jobs", `SELECT id, status, escrow_status, provider_id FROM jobs ORDER BY updated_at DESC LIMIT 20`},
		{"quotes", `SELECT id, job_id, status, amount FROM quotes ORDER BY updated_at DESC LIMIT 20`},
		{"settlement_transactions", `SELECT id, job_id, status, gross, net FROM settlement_transactions ORDER BY updated_at DESC LIMIT 20`},
		{"payout_requests", `SELECT id, fulfiller_id, status, amount FROM payout_requests ORDER BY updated_at DESC LIMIT 20`},
		{"job_events", `SELECT id, job_id, type, created_at FROM job_events ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
