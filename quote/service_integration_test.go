package quote

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/migrate"
	"escrowflow/notify"
	"escrowflow/transition"
)

// TestQuoteNegotiation_Integration runs the submit/accept flow against a real
// PostgreSQL via DATABASE_URL and verifies that accepting one quote atomically
// rejects its siblings and assigns the job.
func TestQuoteNegotiation_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := migrate.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	requester := seedUser(t, ctx, pool, identity.RoleRequester)
	winner := seedUser(t, ctx, pool, identity.RoleFulfiller)
	loser := seedUser(t, ctx, pool, identity.RoleFulfiller)

	jobs := job.NewService(pool, notify.Nop{}, 70)
	posted, err := jobs.Create(ctx, requester, job.CreateParams{
		Category:    "plumbing",
		Description: "replace the kitchen sink trap and check for leaks",
		Budget:      1800,
		ScheduledAt: time.Now().Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if posted.Status != transition.JobOpen {
		t.Fatalf("expected job open after screening, got %s", posted.Status)
	}
	t.Cleanup(func() { cleanupJob(pool, posted.ID, requester.SubjectID, winner.SubjectID, loser.SubjectID) })

	recorder := &notify.Recorder{}
	quotes := NewService(pool, recorder)

	// Ids that are not even uuids read as missing rows, not internal errors.
	_, err = job.Get(ctx, pool, "not-a-uuid")
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindNotFound {
		t.Fatalf("expected not found for malformed job id, got %v", err)
	}
	_, err = quotes.Accept(ctx, requester, "not-a-uuid")
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindNotFound {
		t.Fatalf("expected not found for malformed quote id, got %v", err)
	}

	winning, err := quotes.Submit(ctx, winner, SubmitParams{
		JobID:    posted.ID,
		Amount:   1500,
		Timeline: "2 days",
		Message:  "I can start tomorrow morning and finish within two days.",
	})
	if err != nil {
		t.Fatalf("submit winning quote: %v", err)
	}

	losing, err := quotes.Submit(ctx, loser, SubmitParams{
		JobID:    posted.ID,
		Amount:   1700,
		Timeline: "1 week",
		Message:  "Available next week, includes all parts and labor.",
	})
	if err != nil {
		t.Fatalf("submit losing quote: %v", err)
	}

	// One quote per fulfiller per job.
	_, err = quotes.Submit(ctx, winner, SubmitParams{
		JobID:   posted.ID,
		Amount:  1400,
		Message: "Actually I can do it cheaper than my first offer.",
	})
	if kind, ok := fault.KindOf(err); !ok || kind != fault.KindConflict {
		t.Fatalf("expected conflict on duplicate quote, got %v", err)
	}

	accepted, err := quotes.Accept(ctx, requester, winning.ID)
	if err != nil {
		t.Fatalf("accept quote: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted status, got %s", accepted.Status)
	}

	assigned, err := jobs.Get(ctx, requester, posted.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if assigned.Status != transition.JobAssigned {
		t.Fatalf("expected job assigned, got %s", assigned.Status)
	}
	if assigned.Provider() != winner.SubjectID {
		t.Fatalf("expected provider %s, got %s", winner.SubjectID, assigned.Provider())
	}

	var losingStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM quotes WHERE id = $1`, losing.ID).Scan(&losingStatus); err != nil {
		t.Fatalf("reload losing quote: %v", err)
	}
	if losingStatus != string(StatusRejected) {
		t.Fatalf("expected sibling quote rejected, got %s", losingStatus)
	}

	// The loser hears about the rejection, the winner about the acceptance.
	var winnerNotified, loserNotified bool
	for _, ev := range recorder.Events {
		if ev.Recipient == winner.SubjectID && ev.Fields["status"] == StatusAccepted {
			winnerNotified = true
		}
		if ev.Recipient == loser.SubjectID && ev.Fields["status"] == StatusRejected {
			loserNotified = true
		}
	}
	if !winnerNotified || !loserNotified {
		t.Fatalf("expected both fulfillers notified, got %+v", recorder.Events)
	}

	// Accepting the already-rejected sibling fails: the job is decided.
	if _, err := quotes.Accept(ctx, requester, losing.ID); err == nil {
		t.Fatalf("expected accept of rejected quote to fail")
	} else if kind, ok := fault.KindOf(err); !ok || kind != fault.KindUnprocessable {
		t.Fatalf("expected unprocessable fault, got %v", err)
	}

	// Replaying the winning accept fails the same way.
	if _, err := quotes.Accept(ctx, requester, winning.ID); err == nil {
		t.Fatalf("expected accept replay to fail")
	}
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role identity.Role) identity.Identity {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, $2, 'x', $3) RETURNING id
	`, fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), "Test User", role).Scan(&id)
	if err != nil {
		t.Fatalf("seed %s: %v", role, err)
	}
	return identity.Identity{SubjectID: id, Role: role}
}

func cleanupJob(pool *pgxpool.Pool, jobID string, userIDs ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool.Exec(ctx, `DELETE FROM job_events WHERE job_id = $1`, jobID)
	pool.Exec(ctx, `DELETE FROM quotes WHERE job_id = $1`, jobID)
	pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	for _, id := range userIDs {
		pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	}
}
