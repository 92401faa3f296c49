package sos

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shovinmd/arcular-plus-backend-sub000/notify"
)

const (
	defaultEscalateAfter = 2 * time.Minute
	defaultRetryInterval = 5 * time.Minute

	templateEmergencyLine  = "escalation_emergency_line"
	templateContactAlert   = "escalation_contact_alert"
	templateContactReached = "contact_hospital_reached"
)

// rebroadcaster re-runs the candidate fan-out for a still-unclaimed case.
type rebroadcaster interface {
	FanOut(ctx context.Context, c Case) int
}

// Monitor drives escalation for cases nobody has claimed yet. It holds no
// timers and no in-memory state: every decision derives from the stored
// timestamps and the supplied clock, so evaluation survives restarts and can
// run from both the read path and the periodic sweep without coordination.
type Monitor struct {
	cases      CaseRepository
	ledger     LedgerRepository
	dispatcher rebroadcaster
	gateway    notify.Gateway
	log        *zap.Logger

	emergencyLine  string
	escalateAfter  time.Duration
	retryInterval  time.Duration
	acceptDeadline time.Duration
	now            func() time.Time
}

// MonitorConfig carries the tunables for escalation timing.
type MonitorConfig struct {
	EmergencyLine  string
	EscalateAfter  time.Duration
	RetryInterval  time.Duration
	AcceptDeadline time.Duration
}

func NewMonitor(cases CaseRepository, ledger LedgerRepository, dispatcher rebroadcaster, gateway notify.Gateway, cfg MonitorConfig, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = defaultEscalateAfter
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.AcceptDeadline <= 0 {
		cfg.AcceptDeadline = defaultAcceptDeadline
	}
	return &Monitor{
		cases:          cases,
		ledger:         ledger,
		dispatcher:     dispatcher,
		gateway:        gateway,
		log:            log,
		emergencyLine:  cfg.EmergencyLine,
		escalateAfter:  cfg.EscalateAfter,
		retryInterval:  cfg.RetryInterval,
		acceptDeadline: cfg.AcceptDeadline,
		now:            time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Evaluation reports what one evaluation pass did for a case.
type Evaluation struct {
	CaseID              string
	Active              bool
	Escalated           bool
	Retried             bool
	RetryNotified       int
	CoordinationFlagged bool
	ContactNotified     bool
}

// Evaluate applies the escalation rules to one case at the given instant.
// It is idempotent for a fixed clock reading: the escalation flag, the retry
// bookkeeping and the notice log all gate their own side effects, so a second
// call with the same now changes nothing.
func (m *Monitor) Evaluate(ctx context.Context, caseID string, now time.Time) (Evaluation, error) {
	eval := Evaluation{CaseID: caseID}

	c, err := m.cases.GetByID(ctx, caseID)
	if err != nil {
		return eval, err
	}
	if c.Status.Terminal() || c.Status == CaseAdmitted {
		return eval, nil
	}
	eval.Active = true

	winner, claimed, err := m.ledger.Winner(ctx, caseID)
	if err != nil {
		return eval, err
	}
	if claimed {
		return m.evaluateClaimed(ctx, c, winner, &eval)
	}

	if c.Status != CasePending {
		// Accepted at the case level but no winner record: the accept
		// sequence is mid-flight. Leave it for the next pass.
		return eval, nil
	}

	if !c.EscalationTriggered && now.Sub(c.CreatedAt) >= m.escalateAfter {
		if err := m.escalate(ctx, c, now); err != nil {
			return eval, err
		}
		eval.Escalated = true
	}

	lastRetry := c.CreatedAt
	if c.LastRetryAt != nil {
		lastRetry = *c.LastRetryAt
	}
	if now.Sub(lastRetry) >= m.retryInterval {
		updated, err := m.cases.RecordRetry(ctx, caseID, now, now.Add(m.acceptDeadline))
		switch {
		case err == nil:
			eval.Retried = true
			eval.RetryNotified = m.dispatcher.FanOut(ctx, updated)
			m.log.Info("sos dispatch retried",
				zap.String("case_id", caseID),
				zap.Int("retry", updated.RetryCount),
				zap.Int("notified", eval.RetryNotified))
		case errors.Is(err, ErrConflict):
			// Accepted or cancelled between the read and the retry write.
		default:
			return eval, err
		}
	}

	return eval, nil
}

// evaluateClaimed handles the branch where a responder already holds the
// case: coordination flagging when the claim landed after escalation, and a
// one-time arrival notice to the emergency contact.
func (m *Monitor) evaluateClaimed(ctx context.Context, c Case, winner CandidateRecord, eval *Evaluation) (Evaluation, error) {
	if winner.HospitalStatus == CandidateAccepted && c.EscalationTriggered && !c.CoordinationRequired {
		reason := "responder accepted after emergency services were engaged"
		if err := m.cases.SetCoordinationRequired(ctx, c.ID, reason); err != nil {
			return *eval, err
		}
		eval.CoordinationFlagged = true
		m.log.Info("sos coordination required",
			zap.String("case_id", c.ID),
			zap.String("responder_id", winner.ResponderID))
	}

	if winner.HospitalStatus == CandidateReached && c.Contact != nil && c.Contact.Phone != "" {
		sent, err := m.cases.HasNotice(ctx, c.ID, templateContactReached)
		if err != nil {
			return *eval, err
		}
		if !sent {
			m.send(ctx, c.ID, "sms", c.Contact.Phone, templateContactReached, map[string]any{
				"case_id":        c.ID,
				"responder_name": winner.ResponderName,
			})
			if err := m.cases.AddNotice(ctx, c.ID, EscalationNotice{
				Channel:   "sms",
				Recipient: c.Contact.Phone,
				Template:  templateContactReached,
			}); err != nil {
				return *eval, err
			}
			eval.ContactNotified = true
		}
	}

	return *eval, nil
}

// escalate engages the alternate channel: a voice alert to the emergency
// services line and, when the requester supplied one, an SMS to their
// emergency contact. The escalation flag is flipped together with the notice
// log so a concurrent sweep cannot double-send.
func (m *Monitor) escalate(ctx context.Context, c Case, now time.Time) error {
	notices := []EscalationNotice{{
		Channel:   "voice",
		Recipient: m.emergencyLine,
		Template:  templateEmergencyLine,
	}}
	m.send(ctx, c.ID, "voice", m.emergencyLine, templateEmergencyLine, map[string]any{
		"case_id":        c.ID,
		"emergency_type": c.EmergencyType,
		"severity":       c.Severity,
		"address":        c.Address,
		"city":           c.City,
	})

	if c.Contact != nil && c.Contact.Phone != "" {
		notices = append(notices, EscalationNotice{
			Channel:   "sms",
			Recipient: c.Contact.Phone,
			Template:  templateContactAlert,
		})
		m.send(ctx, c.ID, "sms", c.Contact.Phone, templateContactAlert, map[string]any{
			"case_id":        c.ID,
			"requester_name": c.RequesterName,
		})
	}

	if err := m.cases.RecordEscalation(ctx, c.ID, now, notices); err != nil {
		return err
	}
	m.log.Warn("sos case escalated to emergency services",
		zap.String("case_id", c.ID),
		zap.Duration("unclaimed_for", now.Sub(c.CreatedAt)))
	return nil
}

// SweepActive evaluates every live case once. Per-case failures are logged
// and skipped so one bad row cannot stall the sweep.
func (m *Monitor) SweepActive(ctx context.Context) (int, error) {
	ids, err := m.cases.ListActiveIDs(ctx, 0)
	if err != nil {
		return 0, err
	}

	now := m.now().UTC()
	evaluated := 0
	for _, id := range ids {
		if _, err := m.Evaluate(ctx, id, now); err != nil {
			m.log.Warn("sos sweep evaluation failed",
				zap.String("case_id", id), zap.Error(err))
			continue
		}
		evaluated++
	}
	return evaluated, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepActive(ctx); err != nil {
				m.log.Error("sos sweep failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) send(ctx context.Context, caseID, channel, recipient, template string, data map[string]any) {
	if recipient == "" {
		return
	}
	if err := m.gateway.Notify(ctx, notify.Message{
		Channel:   notify.Channel(channel),
		Recipient: recipient,
		Template:  template,
		Data:      data,
	}); err != nil {
		m.log.Warn("sos escalation notify failed",
			zap.String("case_id", caseID),
			zap.String("template", template),
			zap.Error(err))
	}
}
