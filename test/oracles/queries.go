// Package oracles holds the cross-table invariants the stress suite checks
// while actors hammer the lifecycle. Each oracle is a query that must return
// zero rows; any row is a violation.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_accepted_quote_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM quotes
                  WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_assigned_without_provider",
			SQL: `SELECT id, status FROM jobs
                  WHERE status IN ('assigned','in_progress','completed','disputed')
                    AND provider_id IS NULL`,
		},
		{
			Name: "O3_single_completed_settlement",
			SQL: `SELECT job_id, COUNT(*) FROM settlement_transactions
                  WHERE status = 'completed'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_released_without_settlement",
			SQL: `SELECT j.id FROM jobs j
                  WHERE j.escrow_status = 'released'
                    AND NOT EXISTS (
                        SELECT 1 FROM settlement_transactions st
                        WHERE st.job_id = j.id AND st.status = 'completed')`,
		},
		{
			Name: "O5_refund_kept_money",
			SQL: `SELECT j.id FROM jobs j
                  WHERE j.escrow_status = 'refunded'
                    AND EXISTS (
                        SELECT 1 FROM settlement_transactions st
                        WHERE st.job_id = j.id AND st.status = 'completed')`,
		},
		{
			Name: "O6_work_started_unfunded",
			SQL: `SELECT id, status, escrow_status FROM jobs
                  WHERE status IN ('in_progress','completed')
                    AND escrow_status = 'not_funded'`,
		},
		{
			Name: "O7_payout_overdraw",
			SQL: `SELECT p.fulfiller_id, SUM(p.amount) AS drawn
                  FROM payout_requests p
                  WHERE p.status <> 'rejected'
                  GROUP BY p.fulfiller_id
                  HAVING SUM(p.amount) > COALESCE((
                      SELECT SUM(s.net) FROM settlement_transactions s
                      WHERE s.payee_id = p.fulfiller_id AND s.status = 'completed'), 0)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
