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
			Name: "O1_single_winner",
			SQL: `SELECT case_id, COUNT(*) FROM sos_candidates
                  WHERE hospital_status IN ('accepted', 'hospitalReached', 'admitted')
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_live_case",
			SQL: `SELECT requester_id, COUNT(*) FROM sos_cases
                  WHERE status IN ('pending', 'accepted', 'hospitalReached', 'admitted')
                  GROUP BY requester_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_winner_case_agreement",
			SQL: `SELECT s.id FROM sos_cases s
                  WHERE s.status IN ('accepted', 'hospitalReached', 'admitted', 'discharged')
                    AND (s.accepted_by IS NULL OR s.accepted_at IS NULL)`,
		},
		{
			Name: "O4_timestamp_order",
			SQL: `SELECT id FROM sos_cases
                  WHERE (reached_at IS NOT NULL AND accepted_at IS NOT NULL AND reached_at < accepted_at)
                     OR (admitted_at IS NOT NULL AND reached_at IS NOT NULL AND admitted_at < reached_at)
                     OR (discharged_at IS NOT NULL AND admitted_at IS NOT NULL AND discharged_at < admitted_at)
                     OR (status = 'discharged' AND discharged_at IS NULL)
                     OR (status = 'cancelled' AND cancelled_at IS NULL)
                     OR (status = 'timeout' AND timed_out_at IS NULL)`,
		},
		{
			Name: "O5_escalation_guard",
			SQL: `SELECT id FROM sos_cases
                  WHERE (escalated_at IS NOT NULL AND NOT escalation_triggered)
                     OR (escalation_triggered AND escalated_at IS NULL)
                     OR (retry_count > 0 AND last_retry_at IS NULL)`,
		},
		{
			Name: "O6_stale_siblings",
			SQL: `SELECT c.id FROM sos_candidates c
                  JOIN sos_cases s ON s.id = c.case_id
                  WHERE s.status IN ('discharged', 'cancelled')
                    AND c.hospital_status IN ('notified', 'accepted')
                    AND s.updated_at < now() - interval '1 minute'`,
		},
		{
			Name: "O7_coordination_one_shot",
			SQL: `SELECT id FROM sos_cases
                  WHERE (coordination_status IS NOT NULL AND NOT coordination_required)
                     OR (coordination_status IS NOT NULL AND coordination_resolved_at IS NULL)`,
		},
		{
			Name: "O8_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_sos_cases')`,
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
