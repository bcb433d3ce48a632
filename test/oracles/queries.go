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
			Name: "O1_completed_item_sold",
			SQL: `SELECT t.id FROM transactions t
                  JOIN items i ON i.id = t.item_id
                  WHERE t.status = 'COMPLETED' AND i.availability_status <> 'SOLD'`,
		},
		{
			Name: "O2_deal_counters_match",
			SQL: `SELECT u.id, u.completed_deals, COUNT(t.id) AS completed
                  FROM users u
                  LEFT JOIN transactions t
                    ON t.status = 'COMPLETED' AND (t.buyer_id = u.id OR t.seller_id = u.id)
                  GROUP BY u.id, u.completed_deals
                  HAVING u.completed_deals <> COUNT(t.id)`,
		},
		{
			Name: "O3_single_completion",
			SQL: `SELECT transaction_id, COUNT(*) FROM transaction_events
                  WHERE payload->>'next_status' = 'COMPLETED'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_event_chain",
			SQL: `WITH chain AS (
                      SELECT transaction_id, payload->>'previous_status' AS prev_status,
                             LAG(payload->>'next_status') OVER (PARTITION BY transaction_id ORDER BY id) AS last_next
                      FROM transaction_events)
                  SELECT * FROM chain WHERE last_next IS NOT NULL AND prev_status <> last_next`,
		},
		{
			Name: "O5_outbox_matches_events",
			SQL: `SELECT 'completed_outbox_mismatch' AS detail
                  WHERE (SELECT COUNT(*) FROM outbox WHERE topic = 'transaction.completed')
                     <> (SELECT COUNT(*) FROM transactions WHERE status = 'COMPLETED')`,
		},
		{
			Name: "O6_terminal_frozen",
			SQL: `WITH chain AS (
                      SELECT transaction_id, payload->>'previous_status' AS prev_status
                      FROM transaction_events)
                  SELECT * FROM chain WHERE prev_status IN ('COMPLETED','CANCELLED','REFUNDED')`,
		},
		{
			Name: "O7_trust_score_bounds",
			SQL:  `SELECT id, trust_score FROM users WHERE trust_score < 0 OR trust_score > 100`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
