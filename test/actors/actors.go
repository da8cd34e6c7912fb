// Package actors holds the concurrent workloads for the stress suite. Each
// actor loops one lifecycle operation against the real services until told to
// stop; business faults are expected under contention and swallowed, anything
// else aborts the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/payout"
	"escrowflow/quote"
)

// tolerable reports whether err is an expected outcome of racing actors:
// a business fault from contention, a canceled context, or a connection the
// chaos injector tore down mid-flight.
func tolerable(err error) bool {
	if err == nil {
		return true
	}
	if _, isBusiness := fault.KindOf(err); isBusiness {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 57: operator intervention (killed backend), class 08:
		// connection exceptions
		if strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// Accepter races to accept quotes on the same job. At most one acceptance can
// ever win; every other attempt must fail on the status guards.
func Accepter(ctx context.Context, quotes *quote.Service, requester identity.Identity, quoteIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		target := quoteIDs[rand.Intn(len(quoteIDs))]
		if _, err := quotes.Accept(ctx, requester, target); !tolerable(err) {
			return fmt.Errorf("accepter: %w", err)
		}
		time.Sleep(jitter(5, 20))
	}
}

// Funder keeps trying to fund escrow for the job. Only the first attempt
// after assignment can succeed; replays fail on the escrow guard.
func Funder(ctx context.Context, engine *escrow.Engine, requester identity.Identity, jobID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := engine.Fund(ctx, requester, jobID, nil); !tolerable(err) {
			return fmt.Errorf("funder: %w", err)
		}
		time.Sleep(jitter(10, 30))
	}
}

// Worker plays a fulfiller pushing the job through start and completion.
// Only the assigned fulfiller's calls can land.
func Worker(ctx context.Context, engine *escrow.Engine, fulfiller identity.Identity, jobID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := engine.Start(ctx, fulfiller, jobID, nil); !tolerable(err) {
			return fmt.Errorf("worker start: %w", err)
		}
		if _, err := engine.Complete(ctx, fulfiller, jobID, nil); !tolerable(err) {
			return fmt.Errorf("worker complete: %w", err)
		}
		time.Sleep(jitter(10, 30))
	}
}

// Releaser hammers Release on the job. Exactly one call may settle the money;
// the rest fail on the escrow guard without creating a second settlement.
func Releaser(ctx context.Context, engine *escrow.Engine, requester identity.Identity, jobID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := engine.Release(ctx, requester, jobID); !tolerable(err) {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(jitter(10, 30))
	}
}

// Drawer requests small payouts against whatever balance the fulfiller has
// earned. Overdraw attempts must fail on the in-transaction balance check.
func Drawer(ctx context.Context, payouts *payout.Service, fulfiller identity.Identity, stop <-chan struct{}) error {
	bank := payout.BankDetails{
		BankName:      "Stress Bank",
		AccountName:   "Stress Fulfiller",
		AccountNumber: "0000000001",
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := float64(10 * (1 + rand.Intn(20)))
		if _, err := payouts.Request(ctx, fulfiller, amount, bank); !tolerable(err) {
			return fmt.Errorf("drawer: %w", err)
		}
		time.Sleep(jitter(20, 50))
	}
}
