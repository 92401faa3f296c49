package sos

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shovinmd/arcular-plus-backend-sub000/notify"
)

// Resolver records the one-shot outcome of a dual-response situation: a case
// where a responder accepted after emergency services were already engaged.
// The outcome is always stated explicitly by a human; nothing here infers it.
type Resolver struct {
	cases   CaseRepository
	gateway notify.Gateway
	log     *zap.Logger
	now     func() time.Time
}

func NewResolver(cases CaseRepository, gateway notify.Gateway, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		cases:   cases,
		gateway: gateway,
		log:     log,
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve writes the coordination outcome exactly once. A second resolution
// attempt is a conflict regardless of the outcome it carries.
func (r *Resolver) Resolve(ctx context.Context, caseID string, outcome CoordinationStatus, details string) (Case, error) {
	if !ValidCoordinationStatus(outcome) {
		return Case{}, validationErr("unknown coordination outcome %q", outcome)
	}

	now := r.now().UTC()

	c, err := r.cases.ResolveCoordination(ctx, caseID, outcome, details, now)
	if err != nil {
		return Case{}, err
	}

	r.notifyOutcome(ctx, c, outcome)

	r.log.Info("sos coordination resolved",
		zap.String("case_id", caseID),
		zap.String("outcome", string(outcome)))
	return c, nil
}

// Coordination returns the case's coordination state for polling clients.
func (r *Resolver) Coordination(ctx context.Context, caseID string) (Case, error) {
	return r.cases.GetByID(ctx, caseID)
}

func (r *Resolver) notifyOutcome(ctx context.Context, c Case, outcome CoordinationStatus) {
	recipients := []notify.Message{}

	if c.Contact != nil && c.Contact.Phone != "" {
		recipients = append(recipients, notify.Message{
			Channel:   notify.ChannelSMS,
			Recipient: c.Contact.Phone,
			Template:  "coordination_" + string(outcome),
			Data:      map[string]any{"case_id": c.ID},
		})
	}
	recipients = append(recipients, notify.Message{
		Channel:   notify.ChannelPush,
		Recipient: c.RequesterID,
		Template:  "coordination_" + string(outcome),
		Data:      map[string]any{"case_id": c.ID},
	})
	if c.AcceptedBy != nil {
		recipients = append(recipients, notify.Message{
			Channel:   notify.ChannelPush,
			Recipient: c.AcceptedBy.ResponderID,
			Template:  "coordination_" + string(outcome),
			Data:      map[string]any{"case_id": c.ID},
		})
	}

	for _, msg := range recipients {
		if err := r.gateway.Notify(ctx, msg); err != nil {
			r.log.Warn("sos coordination notify failed",
				zap.String("case_id", c.ID),
				zap.String("recipient", msg.Recipient),
				zap.Error(err))
		}
	}
}
