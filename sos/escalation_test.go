package sos

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMonitor(env *testEnv) *Monitor {
	return NewMonitor(env.cases, env.ledger, env.svc, env.gateway, MonitorConfig{
		EmergencyLine: "108",
	}, nil).WithClock(env.clock.Now)
}

func TestMonitor_EscalationTimeline(t *testing.T) {
	env := newTestEnv(t, 3)
	monitor := newTestMonitor(env)
	ctx := context.Background()

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	caseID := res.Case.ID
	fanOuts := env.matcher.callCount()

	// One minute in: too early for anything.
	eval, err := monitor.Evaluate(ctx, caseID, testBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("evaluate t+1m: %v", err)
	}
	if !eval.Active || eval.Escalated || eval.Retried {
		t.Fatalf("expected a quiet active evaluation, got %+v", eval)
	}

	// Two minutes: alternate channel engages exactly once.
	eval, err = monitor.Evaluate(ctx, caseID, testBase.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("evaluate t+2m: %v", err)
	}
	if !eval.Escalated {
		t.Fatal("expected escalation at two minutes")
	}

	c, err := env.cases.GetByID(ctx, caseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if !c.EscalationTriggered || c.EscalatedAt == nil {
		t.Fatal("expected escalation recorded on the case")
	}
	templates := env.cases.noticeTemplates(caseID)
	if len(templates) != 2 || templates[0] != templateContactAlert || templates[1] != templateEmergencyLine {
		t.Fatalf("expected contact and emergency-line notices, got %v", templates)
	}

	// Three minutes: already escalated, nothing new.
	eval, err = monitor.Evaluate(ctx, caseID, testBase.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("evaluate t+3m: %v", err)
	}
	if eval.Escalated || eval.Retried {
		t.Fatalf("expected no repeat action, got %+v", eval)
	}

	// Five minutes: retry fires, extends the accept window and re-runs the
	// fan-out.
	eval, err = monitor.Evaluate(ctx, caseID, testBase.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("evaluate t+5m: %v", err)
	}
	if !eval.Retried {
		t.Fatal("expected retry at five minutes")
	}
	if env.matcher.callCount() != fanOuts+1 {
		t.Fatalf("expected one additional fan-out, got %d calls", env.matcher.callCount())
	}

	c, err = env.cases.GetByID(ctx, caseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.RetryCount != 1 || c.LastRetryAt == nil {
		t.Fatalf("expected retry bookkeeping, got count=%d last=%v", c.RetryCount, c.LastRetryAt)
	}
	if want := testBase.Add(5*time.Minute + defaultAcceptDeadline); !c.TimeoutAt.Equal(want) {
		t.Fatalf("expected accept window extended to %v, got %v", want, c.TimeoutAt)
	}

	// Seven minutes: the retry clock restarted at five, so nothing yet.
	eval, err = monitor.Evaluate(ctx, caseID, testBase.Add(7*time.Minute))
	if err != nil {
		t.Fatalf("evaluate t+7m: %v", err)
	}
	if eval.Retried {
		t.Fatal("retry must wait a full interval after the previous one")
	}

	// Ten minutes: second retry.
	eval, err = monitor.Evaluate(ctx, caseID, testBase.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("evaluate t+10m: %v", err)
	}
	if !eval.Retried {
		t.Fatal("expected second retry at ten minutes")
	}
	c, _ = env.cases.GetByID(ctx, caseID)
	if c.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", c.RetryCount)
	}
}

func TestMonitor_ClaimedCaseShortCircuits(t *testing.T) {
	env := newTestEnv(t, 2)
	monitor := newTestMonitor(env)
	ctx := context.Background()

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.svc.AcceptCase(ctx, res.Case.ID, "resp-1", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Long past every threshold: the claim suppresses escalation, retry and
	// coordination (the claim landed before the alternate channel engaged).
	eval, err := monitor.Evaluate(ctx, res.Case.ID, testBase.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Escalated || eval.Retried || eval.CoordinationFlagged {
		t.Fatalf("claimed case must short-circuit, got %+v", eval)
	}

	c, _ := env.cases.GetByID(ctx, res.Case.ID)
	if c.EscalationTriggered || c.CoordinationRequired {
		t.Fatal("no escalation state expected for a promptly claimed case")
	}
}

func TestMonitor_TerminalCaseInactive(t *testing.T) {
	env := newTestEnv(t, 1)
	monitor := newTestMonitor(env)
	ctx := context.Background()

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.CancelCase(ctx, res.Case.ID, "user-1", "resolved locally"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	eval, err := monitor.Evaluate(ctx, res.Case.ID, testBase.Add(time.Hour))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Active {
		t.Fatal("terminal case must be inactive")
	}
}

func TestMonitor_LateAcceptFlagsCoordination(t *testing.T) {
	env := newTestEnv(t, 2)
	monitor := newTestMonitor(env)
	ctx := context.Background()

	// Keep the case acceptable well past the escalation threshold so a late
	// claim can land after emergency services are engaged.
	env.svc.WithAcceptDeadline(30 * time.Minute)

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	caseID := res.Case.ID

	if _, err := monitor.Evaluate(ctx, caseID, testBase.Add(2*time.Minute)); err != nil {
		t.Fatalf("evaluate t+2m: %v", err)
	}

	// A responder accepts after emergency services were engaged.
	env.clock.Advance(3 * time.Minute)
	if _, err := env.svc.AcceptCase(ctx, caseID, "resp-1", ""); err != nil {
		t.Fatalf("late accept: %v", err)
	}

	eval, err := monitor.Evaluate(ctx, caseID, testBase.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("evaluate after accept: %v", err)
	}
	if !eval.CoordinationFlagged {
		t.Fatal("expected coordination flagged for a post-escalation accept")
	}

	c, _ := env.cases.GetByID(ctx, caseID)
	if !c.CoordinationRequired || c.CoordinationReason == nil {
		t.Fatal("expected coordination requirement persisted")
	}

	// Re-evaluation must not flag twice.
	eval, err = monitor.Evaluate(ctx, caseID, testBase.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if eval.CoordinationFlagged {
		t.Fatal("coordination flag is one-shot")
	}
}

func TestMonitor_ContactNotifiedOnArrivalOnce(t *testing.T) {
	env := newTestEnv(t, 1)
	monitor := newTestMonitor(env)
	ctx := context.Background()

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.AcceptCase(ctx, res.Case.ID, "resp-1", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.svc.AdvanceCase(ctx, res.Case.ID, "resp-1", CaseHospitalReached, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	eval, err := monitor.Evaluate(ctx, res.Case.ID, testBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !eval.ContactNotified {
		t.Fatal("expected emergency contact notified on arrival")
	}

	eval, err = monitor.Evaluate(ctx, res.Case.ID, testBase.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if eval.ContactNotified {
		t.Fatal("arrival notice must be sent once")
	}
}

func TestMonitor_SweepActive(t *testing.T) {
	env := newTestEnv(t, 2)
	monitor := newTestMonitor(env)
	ctx := context.Background()

	if _, err := env.svc.SubmitCase(ctx, submitParams()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	other := submitParams()
	other.RequesterID = "user-2"
	if _, err := env.svc.SubmitCase(ctx, other); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	env.clock.Advance(2 * time.Minute)
	n, err := monitor.SweepActive(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cases evaluated, got %d", n)
	}

	for _, id := range []string{"case-1", "case-2"} {
		c, err := env.cases.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if !c.EscalationTriggered {
			t.Fatalf("case %s: expected escalation from sweep", id)
		}
	}
}

func TestResolver_OneShotOutcome(t *testing.T) {
	env := newTestEnv(t, 2)
	monitor := newTestMonitor(env)
	resolver := NewResolver(env.cases, env.gateway, nil).WithClock(env.clock.Now)
	ctx := context.Background()

	env.svc.WithAcceptDeadline(30 * time.Minute)

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	caseID := res.Case.ID

	// Not yet flagged: resolving is a conflict.
	if _, err := resolver.Resolve(ctx, caseID, CoordinationBothResponding, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict before coordination is required, got %v", err)
	}

	if _, err := monitor.Evaluate(ctx, caseID, testBase.Add(2*time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.clock.Advance(3 * time.Minute)
	if _, err := env.svc.AcceptCase(ctx, caseID, "resp-1", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := monitor.Evaluate(ctx, caseID, testBase.Add(4*time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if _, err := resolver.Resolve(ctx, caseID, CoordinationStatus("split_the_difference"), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown outcome, got %v", err)
	}

	c, err := resolver.Resolve(ctx, caseID, CoordinationBothResponding, "ambulance and hospital both en route")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.CoordinationStatus == nil || *c.CoordinationStatus != CoordinationBothResponding {
		t.Fatalf("expected outcome recorded, got %v", c.CoordinationStatus)
	}
	if c.CoordinationResolvedAt == nil {
		t.Fatal("expected resolution timestamp")
	}

	if _, err := resolver.Resolve(ctx, caseID, CoordinationHospitalCancelled, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second resolution, got %v", err)
	}
}

func TestResolver_HospitalCancelledBlocksAdvance(t *testing.T) {
	env := newTestEnv(t, 2)
	monitor := newTestMonitor(env)
	resolver := NewResolver(env.cases, env.gateway, nil).WithClock(env.clock.Now)
	ctx := context.Background()

	env.svc.WithAcceptDeadline(30 * time.Minute)

	res, err := env.svc.SubmitCase(ctx, submitParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	caseID := res.Case.ID

	if _, err := monitor.Evaluate(ctx, caseID, testBase.Add(2*time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.clock.Advance(3 * time.Minute)
	if _, err := env.svc.AcceptCase(ctx, caseID, "resp-1", ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := monitor.Evaluate(ctx, caseID, testBase.Add(4*time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if _, err := resolver.Resolve(ctx, caseID, CoordinationHospitalCancelled, "responder stood down"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := env.svc.AdvanceCase(ctx, caseID, "resp-1", CaseHospitalReached, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict advancing a stood-down case, got %v", err)
	}
}
