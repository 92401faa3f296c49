package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Submitter hammers the one-live-case-per-requester rule: it only inserts a
// new case when no live one exists, otherwise it merges by overwriting the
// description like the service layer does.
func Submitter(ctx context.Context, pool *pgxpool.Pool, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO sos_cases (requester_id, requester_name, requester_phone, address, city, timeout_at)
			SELECT $1, 'Stress Requester', '+910000000000', '12 MG Road', 'Bengaluru', now() + interval '2 minutes'
			WHERE NOT EXISTS (
				SELECT 1 FROM sos_cases
				WHERE requester_id = $1
				  AND status IN ('pending', 'accepted', 'hospitalReached', 'admitted'))`,
			requesterID)
		if err != nil {
			return fmt.Errorf("submitter insert: %w", err)
		}
		_, err = pool.Exec(ctx, `
			UPDATE sos_cases SET description = 'merged resubmission', updated_at = now()
			WHERE requester_id = $1
			  AND status IN ('pending', 'accepted', 'hospitalReached', 'admitted')`,
			requesterID)
		if err != nil {
			return fmt.Errorf("submitter merge: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Acceptor races the conditional accept update for one responder. Unique
// index violations are the expected outcome under contention.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, caseID, responderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE sos_candidates
			SET hospital_status = 'accepted', responded_at = now(), updated_at = now()
			WHERE case_id = $1 AND responder_id = $2 AND hospital_status = 'notified'`,
			caseID, responderID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// lost the race against the partial unique index
			} else {
				return fmt.Errorf("acceptor update: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Fencer promotes the case to accepted for whatever candidate won, then
// fences the remaining notified siblings. Runs the same sequence the service
// runs, so a crash between its steps is what the oracles must tolerate.
func Fencer(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var winnerID string
		err := pool.QueryRow(ctx, `
			SELECT responder_id FROM sos_candidates
			WHERE case_id = $1 AND hospital_status IN ('accepted', 'hospitalReached', 'admitted')
			LIMIT 1`, caseID).Scan(&winnerID)
		if err == nil {
			_, _ = pool.Exec(ctx, `
				UPDATE sos_cases
				SET status = 'accepted', accepted_by = $2, accepted_by_name = 'Stress Hospital',
				    accepted_at = now(), updated_at = now()
				WHERE id = $1 AND status = 'pending'`, caseID, winnerID)
			_, _ = pool.Exec(ctx, `
				UPDATE sos_candidates
				SET hospital_status = 'handledByOther', updated_at = now()
				WHERE case_id = $1 AND responder_id <> $2 AND hospital_status = 'notified'`,
				caseID, winnerID)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Advancer walks a claimed case through the hospital milestones with
// conditional per-step updates, keeping the winner candidate in lockstep.
func Advancer(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	steps := []struct {
		from, to string
		stamp    string
	}{
		{"accepted", "hospitalReached", "reached_at"},
		{"hospitalReached", "admitted", "admitted_at"},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step := steps[rand.Intn(len(steps))]
		tag, err := pool.Exec(ctx, fmt.Sprintf(`
			UPDATE sos_cases
			SET status = $2::sos_case_status, %s = COALESCE(%s, now()), updated_at = now()
			WHERE id = $1 AND status = $3::sos_case_status AND accepted_by IS NOT NULL`,
			step.stamp, step.stamp),
			caseID, step.to, step.from)
		if err != nil {
			return fmt.Errorf("advancer case: %w", err)
		}
		if tag.RowsAffected() == 1 {
			_, _ = pool.Exec(ctx, `
				UPDATE sos_candidates c
				SET hospital_status = $2::sos_candidate_status, updated_at = now()
				FROM sos_cases s
				WHERE s.id = $1 AND c.case_id = s.id AND c.responder_id = s.accepted_by
				  AND c.hospital_status = $3::sos_candidate_status`,
				caseID, step.to, step.from)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Escalator applies the once-only escalation mark plus retry bookkeeping the
// monitor performs, guarded the same way so repeats are no-ops.
func Escalator(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tag, err := pool.Exec(ctx, `
			UPDATE sos_cases
			SET escalation_triggered = true, escalated_at = now(), updated_at = now()
			WHERE id = $1 AND status = 'pending' AND NOT escalation_triggered
			  AND created_at <= now() - interval '1 second'`, caseID)
		if err != nil {
			return fmt.Errorf("escalator mark: %w", err)
		}
		if tag.RowsAffected() == 1 {
			_, _ = pool.Exec(ctx, `
				INSERT INTO sos_escalation_notices (case_id, channel, recipient, template)
				VALUES ($1, 'voice', '108', 'escalation_emergency_line')`, caseID)
		}
		_, _ = pool.Exec(ctx, `
			UPDATE sos_cases
			SET retry_count = retry_count + 1, last_retry_at = now(),
			    timeout_at = now() + interval '2 minutes', updated_at = now()
			WHERE id = $1 AND status = 'pending'
			  AND COALESCE(last_retry_at, created_at) <= now() - interval '1 second'`, caseID)
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// CommWriter appends delivery records against random candidates of the case.
func CommWriter(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	statuses := []string{"sent", "failed"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO sos_candidate_comms (candidate_id, channel, direction, status)
			SELECT id, 'push', 'outbound', $2 FROM sos_candidates
			WHERE case_id = $1 ORDER BY random() LIMIT 1`,
			caseID, statuses[rand.Intn(len(statuses))])
		if err != nil {
			return fmt.Errorf("comm writer: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Canceller cancels the requester's live case while it is still cancellable
// and rewrites the candidate rows, mirroring the cancel path.
func Canceller(ctx context.Context, pool *pgxpool.Pool, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(20) == 0 {
			var caseID string
			err := pool.QueryRow(ctx, `
				UPDATE sos_cases
				SET status = 'cancelled', cancelled_at = now(),
				    cancel_reason = COALESCE(cancel_reason, 'stress cancel'), updated_at = now()
				WHERE requester_id = $1 AND status IN ('pending', 'accepted')
				RETURNING id`, requesterID).Scan(&caseID)
			if err == nil {
				_, _ = pool.Exec(ctx, `
					UPDATE sos_candidates
					SET hospital_status = 'cancelled', updated_at = now()
					WHERE case_id = $1`, caseID)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}
