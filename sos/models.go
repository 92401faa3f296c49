package sos

import (
	"time"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

// CaseStatus is the overall lifecycle of an emergency case. Forward motion is
// monotonic along pending → accepted → hospitalReached → admitted →
// discharged; cancelled and timeout branch off pending/accepted and are
// terminal.
type CaseStatus string

const (
	CasePending         CaseStatus = "pending"
	CaseAccepted        CaseStatus = "accepted"
	CaseHospitalReached CaseStatus = "hospitalReached"
	CaseAdmitted        CaseStatus = "admitted"
	CaseDischarged      CaseStatus = "discharged"
	CaseCancelled       CaseStatus = "cancelled"
	CaseTimeout         CaseStatus = "timeout"
)

// Active reports whether a case in this status still blocks a new submission
// from the same requester (the merge rule).
func (s CaseStatus) Active() bool {
	switch s {
	case CasePending, CaseAccepted, CaseHospitalReached, CaseAdmitted:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is permitted.
func (s CaseStatus) Terminal() bool {
	switch s {
	case CaseDischarged, CaseCancelled, CaseTimeout:
		return true
	}
	return false
}

// EmergencyType classifies the distress signal.
type EmergencyType string

const (
	TypeMedical     EmergencyType = "Medical"
	TypeAccident    EmergencyType = "Accident"
	TypeCardiac     EmergencyType = "Cardiac"
	TypeRespiratory EmergencyType = "Respiratory"
	TypeTrauma      EmergencyType = "Trauma"
	TypeOther       EmergencyType = "Other"
)

// Severity grades the urgency of a case.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// CandidateStatus is the per-responder view of a case.
type CandidateStatus string

const (
	CandidateNotified        CandidateStatus = "notified"
	CandidateAccepted        CandidateStatus = "accepted"
	CandidateReached         CandidateStatus = "hospitalReached"
	CandidateAdmitted        CandidateStatus = "admitted"
	CandidateDischarged      CandidateStatus = "discharged"
	CandidateHandledByOther  CandidateStatus = "handledByOther"
	CandidateCancelled       CandidateStatus = "cancelled"
	CandidatePatientOut      CandidateStatus = "patientDischarged"
)

// CoordinationStatus is the explicit tri-state resolution for a case where a
// responder accepted after the alternate channel was already engaged.
type CoordinationStatus string

const (
	CoordinationEmergencyServicesCancelled CoordinationStatus = "emergency_services_cancelled"
	CoordinationHospitalCancelled          CoordinationStatus = "hospital_cancelled"
	CoordinationBothResponding             CoordinationStatus = "both_responding"
)

// ValidCoordinationStatus reports whether s is one of the three permitted
// resolutions. Anything else is rejected, never coerced.
func ValidCoordinationStatus(s CoordinationStatus) bool {
	switch s {
	case CoordinationEmergencyServicesCancelled, CoordinationHospitalCancelled, CoordinationBothResponding:
		return true
	}
	return false
}

// EmergencyContact is the optional contact triple on the requester snapshot.
type EmergencyContact struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

// Acceptance records which responder won the case.
type Acceptance struct {
	ResponderID   string    `json:"responder_id"`
	ResponderName string    `json:"responder_name"`
	Agent         string    `json:"agent,omitempty"`
	At            time.Time `json:"at"`
}

// Case is one emergency request from a requester.
type Case struct {
	ID              string
	RequesterID     string
	RequesterName   string
	RequesterPhone  string
	RequesterEmail  *string
	RequesterAge    *int
	RequesterGender *string
	Contact         *EmergencyContact
	Point           geo.Point
	Address         string
	City            string
	State           *string
	PostalCode      *string
	EmergencyType   EmergencyType
	Severity        Severity
	Description     *string
	Status          CaseStatus
	TimeoutAt       time.Time
	AcceptedBy      *Acceptance

	ReachedAt    *time.Time
	AdmittedAt   *time.Time
	DischargedAt *time.Time
	CancelledAt  *time.Time
	TimedOutAt   *time.Time
	CancelReason *string

	ResponseLatencyMs *int64

	RequesterReachedConfirmedAt   *time.Time
	RequesterAdmissionConfirmedAt *time.Time

	EscalationTriggered bool
	EscalatedAt         *time.Time
	RetryCount          int
	LastRetryAt         *time.Time

	CoordinationRequired   bool
	CoordinationReason     *string
	CoordinationStatus     *CoordinationStatus
	CoordinationDetails    *string
	CoordinationResolvedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CandidateRecord is one responder's notification/response state for a case.
type CandidateRecord struct {
	ID                string
	CaseID            string
	ResponderID       string
	ResponderName     string
	ResponderPhone    *string
	ResponderEmail    *string
	Point             geo.Point
	DistanceKm        *float64
	HospitalStatus    CandidateStatus
	RespondedAt       *time.Time
	RespondedBy       *string
	ResponseLatencyMs *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActionEntry is one row of a candidate's append-only action log.
type ActionEntry struct {
	ID          int64
	CandidateID string
	Action      string
	Actor       *string
	Note        *string
	CreatedAt   time.Time
}

// CommEntry is one row of a candidate's append-only communication log.
type CommEntry struct {
	ID          int64
	CandidateID string
	Channel     string
	Direction   string
	Status      string
	CreatedAt   time.Time
}

// EscalationNotice records one alternate-channel notification sent for a case.
type EscalationNotice struct {
	ID        int64
	CaseID    string
	Channel   string
	Recipient string
	Template  string
	CreatedAt time.Time
}

// SubmitParams is the case submission payload. On a merge only non-zero
// fields overwrite the existing case.
type SubmitParams struct {
	RequesterID     string
	RequesterName   string
	RequesterPhone  string
	RequesterEmail  string
	RequesterAge    *int
	RequesterGender string
	Contact         *EmergencyContact
	Point           geo.Point
	Address         string
	City            string
	State           string
	PostalCode      string
	EmergencyType   EmergencyType
	Severity        Severity
	Description     string
}

// SubmitResult is the coordinator's answer to a submission.
type SubmitResult struct {
	Case           Case
	CandidateCount int
	Merged         bool
}

// StatsFilters narrows the aggregate statistics query.
type StatsFilters struct {
	ResponderID string
	From        *time.Time
	To          *time.Time
}

// Stats aggregates terminal outcomes and responder performance.
type Stats struct {
	Total                int
	ByStatus             map[CaseStatus]int
	AvgResponseLatencyMs *float64
}
