package sos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

// TestAcceptRace_Integration runs the acceptance race against a real
// PostgreSQL via DATABASE_URL and verifies the single-winner guarantee end to
// end: the conditional update plus the partial unique index.
func TestAcceptRace_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "sos_cases") || !tableExists(ctx, t, pool, "sos_candidates") {
		t.Skip("database schema missing; apply migrations/001_init.sql first")
	}

	// Seed a requester and a batch of approved responders. Rows are
	// append-only by design, so unique values stand in for cleanup.
	nonce := time.Now().UnixNano()
	var requesterID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, 'Race Requester', 'x', 'requester')
		RETURNING id`,
		fmt.Sprintf("race+%d@example.com", nonce)).Scan(&requesterID); err != nil {
		t.Fatalf("seed requester: %v", err)
	}

	const responders = 8
	responderIDs := make([]string, 0, responders)
	for i := 0; i < responders; i++ {
		var id string
		if err := pool.QueryRow(ctx, `
			INSERT INTO responders (name, status, verified, longitude, latitude, city)
			VALUES ($1, 'approved', true, 77.59, 12.97, 'Bengaluru')
			RETURNING id`,
			fmt.Sprintf("Race Hospital %d-%d", i, nonce)).Scan(&id); err != nil {
			t.Fatalf("seed responder %d: %v", i, err)
		}
		responderIDs = append(responderIDs, id)
	}

	cases := NewCaseRepository(pool)
	ledger := NewLedgerRepository(pool)

	now := time.Now().UTC()
	c, err := cases.Create(ctx, SubmitParams{
		RequesterID:    requesterID,
		RequesterName:  "Race Requester",
		RequesterPhone: "+910000000000",
		Point:          geo.Point{Longitude: 77.5946, Latitude: 12.9716},
		Address:        "12 MG Road",
		City:           "Bengaluru",
		EmergencyType:  TypeMedical,
		Severity:       SeverityHigh,
	}, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	for _, rid := range responderIDs {
		if _, _, err := ledger.CreateNotified(ctx, CandidateRecord{
			CaseID:        c.ID,
			ResponderID:   rid,
			ResponderName: "Race Hospital",
		}); err != nil {
			t.Fatalf("notify responder %s: %v", rid, err)
		}
	}

	var (
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rid := range responderIDs {
		rid := rid
		g.Go(func() error {
			_, err := ledger.Accept(gctx, c.ID, rid, "race-agent", time.Now().UTC(), 1000)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, rid)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				return fmt.Errorf("responder %s: %w", rid, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("race: %v", err)
	}

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if conflicts != responders-1 {
		t.Fatalf("expected %d conflicts, got %d", responders-1, conflicts)
	}

	// Database-level invariant: at most one exclusive-status row per case.
	var exclusive int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sos_candidates
		WHERE case_id = $1 AND hospital_status IN ('accepted', 'hospitalReached', 'admitted')`,
		c.ID).Scan(&exclusive); err != nil {
		t.Fatalf("count exclusive: %v", err)
	}
	if exclusive != 1 {
		t.Fatalf("expected 1 exclusive candidate row, got %d", exclusive)
	}

	// Forcing a second winner by raw update must violate the partial unique
	// index backstop.
	var loser string
	for _, rid := range responderIDs {
		if rid != winners[0] {
			loser = rid
			break
		}
	}
	if _, err := pool.Exec(ctx, `
		UPDATE sos_candidates SET hospital_status = 'accepted'
		WHERE case_id = $1 AND responder_id = $2`, c.ID, loser); err == nil {
		t.Fatal("expected unique index violation forcing a second winner")
	}

	// Finish the case-level bookkeeping and fence the rest.
	if _, err := cases.MarkAccepted(ctx, c.ID, Acceptance{
		ResponderID:   winners[0],
		ResponderName: "Race Hospital",
		At:            time.Now().UTC(),
	}, 1000); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
	fenced, err := ledger.FenceSiblings(ctx, c.ID, winners[0], CandidateHandledByOther)
	if err != nil {
		t.Fatalf("fence siblings: %v", err)
	}
	if fenced != responders-1 {
		t.Fatalf("expected %d fenced siblings, got %d", responders-1, fenced)
	}

	// Second accept attempt by the same winner is still a conflict.
	if _, err := ledger.Accept(ctx, c.ID, winners[0], "", time.Now().UTC(), 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on repeat accept, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
