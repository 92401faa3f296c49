package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/shovinmd/arcular-plus-backend-sub000/test/actors"
	"github.com/shovinmd/arcular-plus-backend-sub000/test/chaos"
	"github.com/shovinmd/arcular-plus-backend-sub000/test/infra"
	"github.com/shovinmd/arcular-plus-backend-sub000/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestDispatchConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// acceptors battling over the same case
	for _, rid := range seedData.responderIDs {
		rid := rid
		g.Go(func() error { return actors.Acceptor(ctx2, pool, seedData.caseID, rid, stop) })
	}

	// exactly one submitter so the one-live-case rule is exercised, not raced
	g.Go(func() error { return actors.Submitter(ctx2, pool, seedData.requesterID, stop) })
	g.Go(func() error { return actors.Fencer(ctx2, pool, seedData.caseID, stop) })
	g.Go(func() error { return actors.Advancer(ctx2, pool, seedData.caseID, stop) })
	g.Go(func() error { return actors.Escalator(ctx2, pool, seedData.caseID, stop) })
	g.Go(func() error { return actors.CommWriter(ctx2, pool, seedData.caseID, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, pool, seedData.requesterID, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
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
				t.Fatalf("oracle error: %v", err)
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
	requesterID  string
	responderIDs []string
	caseID       string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	// requester
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, 'Stress Requester', 'x', 'requester') RETURNING id`,
		fmt.Sprintf("u%d@example.com", rand.Int63())).Scan(&s.requesterID); err != nil {
		t.Fatalf("seed requester: %v", err)
	}
	// responders
	n := *flConcurrency
	for i := 0; i < n; i++ {
		var id string
		if err := pool.QueryRow(ctx, `
			INSERT INTO responders (name, status, verified, longitude, latitude, city)
			VALUES ($1, 'approved', true, 77.59, 12.97, 'Bengaluru') RETURNING id`,
			fmt.Sprintf("Stress Hospital %d-%d", i, rand.Int63())).Scan(&id); err != nil {
			t.Fatalf("seed responder %d: %v", i, err)
		}
		s.responderIDs = append(s.responderIDs, id)
	}
	// the contended case, with every responder already notified
	if err := pool.QueryRow(ctx, `
		INSERT INTO sos_cases (requester_id, requester_name, requester_phone, address, city, timeout_at)
		VALUES ($1, 'Stress Requester', '+910000000000', '12 MG Road', 'Bengaluru', now() + interval '10 minutes')
		RETURNING id`, s.requesterID).Scan(&s.caseID); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	for _, rid := range s.responderIDs {
		if _, err := pool.Exec(ctx, `
			INSERT INTO sos_candidates (case_id, responder_id, responder_name)
			VALUES ($1, $2, 'Stress Hospital')`, s.caseID, rid); err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
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
		{"sos_cases", `SELECT id, requester_id, status, accepted_by, retry_count, escalation_triggered, updated_at FROM sos_cases ORDER BY updated_at DESC LIMIT 50`},
		{"sos_candidates", `SELECT id, case_id, responder_id, hospital_status, responded_at FROM sos_candidates ORDER BY updated_at DESC LIMIT 50`},
		{"sos_candidate_comms", `SELECT id, candidate_id, channel, direction, status, created_at FROM sos_candidate_comms ORDER BY id DESC LIMIT 50`},
		{"sos_escalation_notices", `SELECT id, case_id, channel, recipient, template, created_at FROM sos_escalation_notices ORDER BY id DESC LIMIT 50`},
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
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
