package sos

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
	"github.com/shovinmd/arcular-plus-backend-sub000/notify"
)

const (
	defaultAcceptDeadline = 2 * time.Minute
	fanOutConcurrency     = 8
)

// CandidateFinder resolves a case location to a ranked responder list.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, point geo.Point, filters geo.Filters) []geo.Candidate
}

// ConfirmKind distinguishes the two requester-side confirmations.
type ConfirmKind string

const (
	ConfirmReached   ConfirmKind = "hospitalReached"
	ConfirmAdmission ConfirmKind = "admissionConfirmed"
)

// Service is the dispatch coordinator. It owns the case lifecycle: submission
// with the one-live-case merge rule, candidate fan-out, race-safe acceptance,
// winner-only progression and cancellation.
type Service struct {
	cases   CaseRepository
	ledger  LedgerRepository
	matcher CandidateFinder
	gateway notify.Gateway
	log     *zap.Logger

	now            func() time.Time
	acceptDeadline time.Duration
}

func NewService(cases CaseRepository, ledger LedgerRepository, matcher CandidateFinder, gateway notify.Gateway, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cases:          cases,
		ledger:         ledger,
		matcher:        matcher,
		gateway:        gateway,
		log:            log,
		now:            time.Now,
		acceptDeadline: defaultAcceptDeadline,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAcceptDeadline overrides how long a case stays acceptable before it can
// be marked timed out.
func (s *Service) WithAcceptDeadline(d time.Duration) *Service {
	if d > 0 {
		s.acceptDeadline = d
	}
	return s
}

// SubmitCase registers a new emergency or folds a repeat press into the
// requester's already-live case. A repeat on a still-pending case pushes the
// accept deadline out and re-runs the fan-out so newly eligible responders
// get notified too.
func (s *Service) SubmitCase(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if err := validateSubmit(params); err != nil {
		return SubmitResult{}, err
	}

	now := s.now().UTC()

	existing, err := s.cases.FindActiveByRequester(ctx, params.RequesterID)
	switch {
	case err == nil:
		var extend *time.Time
		if existing.Status == CasePending {
			deadline := now.Add(s.acceptDeadline)
			extend = &deadline
		}
		merged, err := s.cases.Merge(ctx, existing.ID, params, extend)
		if err != nil {
			return SubmitResult{}, err
		}
		count := 0
		if merged.Status == CasePending {
			count = s.FanOut(ctx, merged)
		}
		s.log.Info("sos case merged",
			zap.String("case_id", merged.ID),
			zap.String("status", string(merged.Status)),
			zap.Int("notified", count))
		return SubmitResult{Case: merged, CandidateCount: count, Merged: true}, nil

	case errors.Is(err, ErrNotFound):
		// Classification defaults apply to new cases only; a merge must never
		// see values the caller did not send.
		if params.EmergencyType == "" {
			params.EmergencyType = TypeMedical
		}
		if params.Severity == "" {
			params.Severity = SeverityHigh
		}
		created, err := s.cases.Create(ctx, params, now.Add(s.acceptDeadline))
		if err != nil {
			return SubmitResult{}, err
		}
		count := s.FanOut(ctx, created)
		s.log.Info("sos case created",
			zap.String("case_id", created.ID),
			zap.String("severity", string(created.Severity)),
			zap.Int("notified", count))
		return SubmitResult{Case: created, CandidateCount: count}, nil

	default:
		return SubmitResult{}, err
	}
}

// FanOut notifies every matched responder that is not already on the case.
// Each candidate is independent: one failed insert or delivery never blocks
// the rest, and re-runs are idempotent because existing records are left
// untouched.
func (s *Service) FanOut(ctx context.Context, c Case) int {
	candidates := s.matcher.FindCandidates(ctx, c.Point, geo.Filters{
		City:       c.City,
		PostalCode: optional(c.PostalCode),
	})
	if len(candidates) == 0 {
		s.log.Warn("sos fan-out found no candidates", zap.String("case_id", c.ID))
		return 0
	}

	var created atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)
	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			rec := CandidateRecord{
				CaseID:        c.ID,
				ResponderID:   cand.ID,
				ResponderName: cand.Name,
				Point:         cand.Point,
				DistanceKm:    cand.DistanceKm,
			}
			if cand.Phone != "" {
				rec.ResponderPhone = &cand.Phone
			}
			if cand.Email != "" {
				rec.ResponderEmail = &cand.Email
			}

			stored, isNew, err := s.ledger.CreateNotified(gctx, rec)
			if err != nil {
				s.log.Warn("sos fan-out insert failed",
					zap.String("case_id", c.ID),
					zap.String("responder_id", cand.ID),
					zap.Error(err))
				return nil
			}
			if !isNew {
				return nil
			}
			created.Add(1)

			status := "sent"
			if err := s.gateway.Notify(gctx, notify.Message{
				Channel:   notify.ChannelPush,
				Recipient: cand.ID,
				Template:  "sos_incoming",
				Data: map[string]any{
					"case_id":        c.ID,
					"emergency_type": c.EmergencyType,
					"severity":       c.Severity,
					"address":        c.Address,
					"distance_km":    cand.DistanceKm,
				},
			}); err != nil {
				status = "failed"
				s.log.Warn("sos fan-out notify failed",
					zap.String("case_id", c.ID),
					zap.String("responder_id", cand.ID),
					zap.Error(err))
			}
			if err := s.ledger.AppendComm(gctx, stored.ID, string(notify.ChannelPush), "outbound", status); err != nil {
				s.log.Warn("sos fan-out comm log failed",
					zap.String("candidate_id", stored.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(created.Load())
}

// AcceptCase lets a responder claim a pending case. Exactly one caller can
// win; everyone else gets a conflict, and a case past its deadline is marked
// timed out on the spot and reported as expired.
func (s *Service) AcceptCase(ctx context.Context, caseID, responderID, agent string) (Case, error) {
	if caseID == "" || responderID == "" {
		return Case{}, validationErr("case id and responder id are required")
	}

	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return Case{}, err
	}

	now := s.now().UTC()

	if c.Status == CasePending && now.After(c.TimeoutAt) {
		if _, err := s.cases.MarkTimedOut(ctx, caseID, now); err != nil && !errors.Is(err, ErrConflict) {
			return Case{}, err
		}
		s.log.Info("sos case timed out on access", zap.String("case_id", caseID))
		return Case{}, ErrCaseExpired
	}
	if c.Status != CasePending {
		switch c.Status {
		case CaseTimeout:
			return Case{}, ErrCaseExpired
		case CaseCancelled:
			return Case{}, ErrCaseUnavailable
		default:
			return Case{}, ErrAlreadyHandled
		}
	}

	latency := now.Sub(c.CreatedAt).Milliseconds()

	rec, err := s.ledger.Accept(ctx, caseID, responderID, agent, now, latency)
	if err != nil {
		return Case{}, err
	}

	updated, err := s.cases.MarkAccepted(ctx, caseID, Acceptance{
		ResponderID:   responderID,
		ResponderName: rec.ResponderName,
		Agent:         agent,
		At:            now,
	}, latency)
	if err != nil {
		// The candidate flip won but the case moved underneath (for example
		// a concurrent cancel). The cancel path rewrites all candidates, so
		// the ledger heals; report the conflict.
		s.log.Warn("sos case moved during accept",
			zap.String("case_id", caseID), zap.Error(err))
		return Case{}, err
	}

	if _, err := s.ledger.FenceSiblings(ctx, caseID, responderID, CandidateHandledByOther); err != nil {
		s.log.Warn("sos sibling fence failed", zap.String("case_id", caseID), zap.Error(err))
	}
	if err := s.ledger.AppendAction(ctx, rec.ID, "accepted", agent, ""); err != nil {
		s.log.Warn("sos action log failed", zap.String("candidate_id", rec.ID), zap.Error(err))
	}

	s.notifyBestEffort(ctx, notify.Message{
		Channel:   notify.ChannelPush,
		Recipient: updated.RequesterID,
		Template:  "sos_accepted",
		Data: map[string]any{
			"case_id":        updated.ID,
			"responder_name": rec.ResponderName,
		},
	})

	s.log.Info("sos case accepted",
		zap.String("case_id", caseID),
		zap.String("responder_id", responderID),
		zap.Int64("latency_ms", latency))
	return updated, nil
}

// caseTransitions maps each winner-driven target status to the only status
// it may leave from.
var caseTransitions = map[CaseStatus]CaseStatus{
	CaseHospitalReached: CaseAccepted,
	CaseAdmitted:        CaseHospitalReached,
	CaseDischarged:      CaseAdmitted,
}

var candidateForCase = map[CaseStatus]CandidateStatus{
	CaseAccepted:        CandidateAccepted,
	CaseHospitalReached: CandidateReached,
	CaseAdmitted:        CandidateAdmitted,
	CaseDischarged:      CandidateDischarged,
}

// AdvanceCase moves the case one step forward. Only the responder that
// accepted may advance it, and only along the fixed order; anything else is a
// conflict.
func (s *Service) AdvanceCase(ctx context.Context, caseID, responderID string, to CaseStatus, actor string) (Case, error) {
	from, ok := caseTransitions[to]
	if !ok {
		return Case{}, validationErr("status %q is not a responder-driven transition", to)
	}

	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if c.AcceptedBy == nil {
		return Case{}, ErrCaseUnavailable
	}
	if c.AcceptedBy.ResponderID != responderID {
		return Case{}, ErrNotAcceptor
	}
	if c.CoordinationStatus != nil && *c.CoordinationStatus == CoordinationHospitalCancelled {
		return Case{}, ErrCaseUnavailable
	}
	if c.Status != from {
		return Case{}, ErrCaseUnavailable
	}

	now := s.now().UTC()

	updated, err := s.cases.AdvanceStatus(ctx, caseID, from, to, now)
	if err != nil {
		return Case{}, err
	}

	rec, err := s.ledger.UpdateWinner(ctx, caseID, responderID, candidateForCase[from], candidateForCase[to], now)
	if err != nil {
		s.log.Warn("sos winner record update failed",
			zap.String("case_id", caseID), zap.Error(err))
	} else {
		if err := s.ledger.AppendAction(ctx, rec.ID, string(to), actor, ""); err != nil {
			s.log.Warn("sos action log failed", zap.String("candidate_id", rec.ID), zap.Error(err))
		}
	}

	fence := CandidateHandledByOther
	if to == CaseDischarged {
		fence = CandidatePatientOut
	}
	if _, err := s.ledger.FenceSiblings(ctx, caseID, responderID, fence); err != nil {
		s.log.Warn("sos sibling fence failed", zap.String("case_id", caseID), zap.Error(err))
	}

	s.notifyBestEffort(ctx, notify.Message{
		Channel:   notify.ChannelPush,
		Recipient: updated.RequesterID,
		Template:  "sos_" + string(to),
		Data:      map[string]any{"case_id": updated.ID},
	})

	s.log.Info("sos case advanced",
		zap.String("case_id", caseID),
		zap.String("to", string(to)))
	return updated, nil
}

// CancelCase is requester-initiated and idempotent: cancelling an already
// cancelled case returns it unchanged.
func (s *Service) CancelCase(ctx context.Context, caseID, requesterID, reason string) (Case, error) {
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if c.RequesterID != requesterID {
		return Case{}, ErrCaseNotFound
	}
	if c.Status == CaseCancelled {
		return c, nil
	}
	if c.Status != CasePending && c.Status != CaseAccepted {
		return Case{}, ErrCaseUnavailable
	}

	now := s.now().UTC()

	updated, err := s.cases.Cancel(ctx, caseID, reason, now)
	if err != nil {
		return Case{}, err
	}
	if _, err := s.ledger.CancelAll(ctx, caseID); err != nil {
		s.log.Warn("sos candidate cancel failed", zap.String("case_id", caseID), zap.Error(err))
	}

	if c.AcceptedBy != nil {
		s.notifyBestEffort(ctx, notify.Message{
			Channel:   notify.ChannelPush,
			Recipient: c.AcceptedBy.ResponderID,
			Template:  "sos_cancelled",
			Data:      map[string]any{"case_id": caseID},
		})
	}

	s.log.Info("sos case cancelled", zap.String("case_id", caseID))
	return updated, nil
}

// ConfirmByRequester records the requester's own confirmation of arrival or
// admission. It never drives the case state machine; it only timestamps
// agreement with what the winning responder reported.
func (s *Service) ConfirmByRequester(ctx context.Context, caseID, requesterID string, kind ConfirmKind) (Case, error) {
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if c.RequesterID != requesterID {
		return Case{}, ErrCaseNotFound
	}
	if c.AcceptedBy == nil {
		return Case{}, ErrCaseUnavailable
	}

	rec, err := s.ledger.Get(ctx, caseID, c.AcceptedBy.ResponderID)
	if err != nil {
		return Case{}, err
	}

	now := s.now().UTC()

	switch kind {
	case ConfirmReached:
		if rec.HospitalStatus != CandidateAccepted && rec.HospitalStatus != CandidateReached {
			return Case{}, ErrCaseUnavailable
		}
		c, err = s.cases.ConfirmReached(ctx, caseID, now)
	case ConfirmAdmission:
		if rec.HospitalStatus != CandidateReached && rec.HospitalStatus != CandidateAdmitted {
			return Case{}, ErrCaseUnavailable
		}
		c, err = s.cases.ConfirmAdmission(ctx, caseID, now)
	default:
		return Case{}, validationErr("unknown confirmation %q", kind)
	}
	if err != nil {
		return Case{}, err
	}

	if err := s.ledger.AppendAction(ctx, rec.ID, "requester_confirmed_"+string(kind), requesterID, ""); err != nil {
		s.log.Warn("sos action log failed", zap.String("candidate_id", rec.ID), zap.Error(err))
	}
	return c, nil
}

// GetCase returns the case with its full candidate ledger.
func (s *Service) GetCase(ctx context.Context, caseID string) (Case, []CandidateRecord, error) {
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return Case{}, nil, err
	}
	records, err := s.ledger.ListByCase(ctx, caseID)
	if err != nil {
		return Case{}, nil, err
	}
	return c, records, nil
}

// ListForResponder returns a responder's candidate records, optionally
// narrowed to one status.
func (s *Service) ListForResponder(ctx context.Context, responderID string, status CandidateStatus) ([]CandidateRecord, error) {
	if status != "" && !validCandidateStatus(status) {
		return nil, validationErr("unknown candidate status %q", status)
	}
	return s.ledger.ListByResponder(ctx, responderID, status)
}

// History returns the requester's cases, newest first, terminal ones
// included.
func (s *Service) History(ctx context.Context, requesterID string, limit int) ([]Case, error) {
	return s.cases.ListByRequester(ctx, requesterID, limit)
}

// CaseStats aggregates outcome counts and mean acceptance latency.
func (s *Service) CaseStats(ctx context.Context, filters StatsFilters) (Stats, error) {
	return s.cases.Stats(ctx, filters)
}

func (s *Service) notifyBestEffort(ctx context.Context, msg notify.Message) {
	if err := s.gateway.Notify(ctx, msg); err != nil {
		s.log.Warn("sos notification failed",
			zap.String("template", msg.Template),
			zap.String("channel", string(msg.Channel)),
			zap.Error(err))
	}
}

func validateSubmit(params SubmitParams) error {
	switch {
	case params.RequesterID == "":
		return validationErr("requester id is required")
	case params.RequesterName == "":
		return validationErr("requester name is required")
	case params.RequesterPhone == "":
		return validationErr("requester phone is required")
	case params.Address == "":
		return validationErr("address is required")
	case params.City == "":
		return validationErr("city is required")
	}

	// Empty classification means "not sent": it defaults on create and keeps
	// the stored value on merge.
	if params.EmergencyType != "" && !validEmergencyType(params.EmergencyType) {
		return validationErr("unknown emergency type %q", params.EmergencyType)
	}
	if params.Severity != "" && !validSeverity(params.Severity) {
		return validationErr("unknown severity %q", params.Severity)
	}
	if params.RequesterAge != nil && (*params.RequesterAge < 0 || *params.RequesterAge > 150) {
		return validationErr("implausible age %d", *params.RequesterAge)
	}
	return nil
}

func validEmergencyType(t EmergencyType) bool {
	switch t {
	case TypeMedical, TypeAccident, TypeCardiac, TypeRespiratory, TypeTrauma, TypeOther:
		return true
	}
	return false
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func validCandidateStatus(s CandidateStatus) bool {
	switch s {
	case CandidateNotified, CandidateAccepted, CandidateReached, CandidateAdmitted,
		CandidateDischarged, CandidateHandledByOther, CandidateCancelled, CandidatePatientOut:
		return true
	}
	return false
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
