package sos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

// CaseRepository is the persistence surface for emergency cases. All status
// transitions are conditional updates: the WHERE clause carries the expected
// current state and zero affected rows means somebody else got there first.
type CaseRepository interface {
	Create(ctx context.Context, params SubmitParams, timeoutAt time.Time) (Case, error)
	GetByID(ctx context.Context, id string) (Case, error)
	FindActiveByRequester(ctx context.Context, requesterID string) (Case, error)
	Merge(ctx context.Context, id string, params SubmitParams, extendTimeoutTo *time.Time) (Case, error)
	MarkAccepted(ctx context.Context, id string, acc Acceptance, latencyMs int64) (Case, error)
	AdvanceStatus(ctx context.Context, id string, from, to CaseStatus, at time.Time) (Case, error)
	MarkTimedOut(ctx context.Context, id string, at time.Time) (Case, error)
	Cancel(ctx context.Context, id string, reason string, at time.Time) (Case, error)
	ConfirmReached(ctx context.Context, id string, at time.Time) (Case, error)
	ConfirmAdmission(ctx context.Context, id string, at time.Time) (Case, error)
	RecordEscalation(ctx context.Context, id string, at time.Time, notices []EscalationNotice) error
	AddNotice(ctx context.Context, id string, notice EscalationNotice) error
	HasNotice(ctx context.Context, id string, template string) (bool, error)
	RecordRetry(ctx context.Context, id string, at time.Time, newTimeoutAt time.Time) (Case, error)
	SetCoordinationRequired(ctx context.Context, id string, reason string) error
	ResolveCoordination(ctx context.Context, id string, outcome CoordinationStatus, details string, at time.Time) (Case, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]Case, error)
	ListActiveIDs(ctx context.Context, limit int) ([]string, error)
	Stats(ctx context.Context, filters StatsFilters) (Stats, error)
}

const caseColumns = `id, requester_id, requester_name, requester_phone, requester_email,
    requester_age, requester_gender, contact_name, contact_phone, contact_relation,
    longitude, latitude, address, city, state, postal_code,
    emergency_type::text, severity::text, description, status::text, timeout_at,
    accepted_by, accepted_by_name, accepted_agent, accepted_at,
    reached_at, admitted_at, discharged_at, cancelled_at, timed_out_at, cancel_reason,
    response_latency_ms, requester_reached_confirmed_at, requester_admission_confirmed_at,
    escalation_triggered, escalated_at, retry_count, last_retry_at,
    coordination_required, coordination_reason, coordination_status::text,
    coordination_details, coordination_resolved_at, created_at, updated_at`

// PGCaseRepository implements CaseRepository backed by PostgreSQL.
type PGCaseRepository struct {
	pool *pgxpool.Pool
}

func NewCaseRepository(pool *pgxpool.Pool) *PGCaseRepository {
	return &PGCaseRepository{pool: pool}
}

func (r *PGCaseRepository) Create(ctx context.Context, params SubmitParams, timeoutAt time.Time) (Case, error) {
	query := `
		INSERT INTO sos_cases (requester_id, requester_name, requester_phone, requester_email,
		    requester_age, requester_gender, contact_name, contact_phone, contact_relation,
		    longitude, latitude, address, city, state, postal_code,
		    emergency_type, severity, description, status, timeout_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, $9,
		    $10, $11, $12, $13, NULLIF($14, ''), NULLIF($15, ''),
		    $16::sos_emergency_type, $17::sos_severity, NULLIF($18, ''), 'pending', $19)
		RETURNING ` + caseColumns

	var contactName, contactPhone, contactRelation any
	if params.Contact != nil {
		contactName = params.Contact.Name
		contactPhone = params.Contact.Phone
		contactRelation = nullableString(params.Contact.Relation)
	}

	row := r.pool.QueryRow(ctx, query,
		params.RequesterID,
		params.RequesterName,
		params.RequesterPhone,
		params.RequesterEmail,
		params.RequesterAge,
		params.RequesterGender,
		contactName,
		contactPhone,
		contactRelation,
		pointLongitude(params.Point),
		pointLatitude(params.Point),
		params.Address,
		params.City,
		params.State,
		params.PostalCode,
		params.EmergencyType,
		params.Severity,
		params.Description,
		timeoutAt,
	)

	c, err := scanCase(row)
	if err != nil {
		return Case{}, fmt.Errorf("sos: create case: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) GetByID(ctx context.Context, id string) (Case, error) {
	query := `SELECT ` + caseColumns + ` FROM sos_cases WHERE id = $1`

	c, err := scanCase(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("sos: get case: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) FindActiveByRequester(ctx context.Context, requesterID string) (Case, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM sos_cases
		WHERE requester_id = $1
		  AND status IN ('pending', 'accepted', 'hospitalReached', 'admitted')
		ORDER BY created_at DESC
		LIMIT 1`

	c, err := scanCase(r.pool.QueryRow(ctx, query, requesterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("sos: find active case: %w", err)
	}
	return c, nil
}

// Merge overwrites only the fields the new submission actually carries.
// Absent strings arrive empty and keep the stored value via COALESCE/NULLIF.
func (r *PGCaseRepository) Merge(ctx context.Context, id string, params SubmitParams, extendTimeoutTo *time.Time) (Case, error) {
	query := `
		UPDATE sos_cases
		SET requester_name   = COALESCE(NULLIF($2, ''), requester_name),
		    requester_phone  = COALESCE(NULLIF($3, ''), requester_phone),
		    requester_email  = COALESCE(NULLIF($4, ''), requester_email),
		    requester_age    = COALESCE($5, requester_age),
		    requester_gender = COALESCE(NULLIF($6, ''), requester_gender),
		    contact_name     = COALESCE($7, contact_name),
		    contact_phone    = COALESCE($8, contact_phone),
		    contact_relation = COALESCE($9, contact_relation),
		    longitude        = COALESCE($10, longitude),
		    latitude         = COALESCE($11, latitude),
		    address          = COALESCE(NULLIF($12, ''), address),
		    city             = COALESCE(NULLIF($13, ''), city),
		    state            = COALESCE(NULLIF($14, ''), state),
		    postal_code      = COALESCE(NULLIF($15, ''), postal_code),
		    emergency_type   = COALESCE(NULLIF($16, '')::sos_emergency_type, emergency_type),
		    severity         = COALESCE(NULLIF($17, '')::sos_severity, severity),
		    description      = COALESCE(NULLIF($18, ''), description),
		    timeout_at       = COALESCE($19, timeout_at),
		    updated_at       = now()
		WHERE id = $1
		RETURNING ` + caseColumns

	var contactName, contactPhone, contactRelation any
	if params.Contact != nil {
		contactName = params.Contact.Name
		contactPhone = params.Contact.Phone
		contactRelation = nullableString(params.Contact.Relation)
	}

	row := r.pool.QueryRow(ctx, query,
		id,
		params.RequesterName,
		params.RequesterPhone,
		params.RequesterEmail,
		params.RequesterAge,
		params.RequesterGender,
		contactName,
		contactPhone,
		contactRelation,
		pointLongitude(params.Point),
		pointLatitude(params.Point),
		params.Address,
		params.City,
		params.State,
		params.PostalCode,
		string(params.EmergencyType),
		string(params.Severity),
		params.Description,
		extendTimeoutTo,
	)

	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("sos: merge case: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) MarkAccepted(ctx context.Context, id string, acc Acceptance, latencyMs int64) (Case, error) {
	query := `
		UPDATE sos_cases
		SET status = 'accepted',
		    accepted_by = $2,
		    accepted_by_name = $3,
		    accepted_agent = NULLIF($4, ''),
		    accepted_at = $5,
		    response_latency_ms = $6,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + caseColumns

	row := r.pool.QueryRow(ctx, query, id, acc.ResponderID, acc.ResponderName, acc.Agent, acc.At, latencyMs)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conditionalMiss(ctx, id)
		}
		return Case{}, fmt.Errorf("sos: mark accepted: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) AdvanceStatus(ctx context.Context, id string, from, to CaseStatus, at time.Time) (Case, error) {
	query := `
		UPDATE sos_cases
		SET status = $3::sos_case_status,
		    reached_at    = CASE WHEN $3::sos_case_status = 'hospitalReached' THEN $4 ELSE reached_at END,
		    admitted_at   = CASE WHEN $3::sos_case_status = 'admitted' THEN $4 ELSE admitted_at END,
		    discharged_at = CASE WHEN $3::sos_case_status = 'discharged' THEN $4 ELSE discharged_at END,
		    updated_at = now()
		WHERE id = $1 AND status = $2::sos_case_status
		RETURNING ` + caseColumns

	row := r.pool.QueryRow(ctx, query, id, from, to, at)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conditionalMiss(ctx, id)
		}
		return Case{}, fmt.Errorf("sos: advance status: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) MarkTimedOut(ctx context.Context, id string, at time.Time) (Case, error) {
	query := `
		UPDATE sos_cases
		SET status = 'timeout', timed_out_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conditionalMiss(ctx, id)
		}
		return Case{}, fmt.Errorf("sos: mark timed out: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) Cancel(ctx context.Context, id string, reason string, at time.Time) (Case, error) {
	query := `
		UPDATE sos_cases
		SET status = 'cancelled', cancelled_at = $2, cancel_reason = NULLIF($3, ''), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'accepted')
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, id, at, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conditionalMiss(ctx, id)
		}
		return Case{}, fmt.Errorf("sos: cancel case: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) ConfirmReached(ctx context.Context, id string, at time.Time) (Case, error) {
	return r.confirm(ctx, id, "requester_reached_confirmed_at", at)
}

func (r *PGCaseRepository) ConfirmAdmission(ctx context.Context, id string, at time.Time) (Case, error) {
	return r.confirm(ctx, id, "requester_admission_confirmed_at", at)
}

func (r *PGCaseRepository) confirm(ctx context.Context, id, column string, at time.Time) (Case, error) {
	query := fmt.Sprintf(`
		UPDATE sos_cases
		SET %s = COALESCE(%s, $2), updated_at = now()
		WHERE id = $1
		RETURNING `+caseColumns, column, column)

	c, err := scanCase(r.pool.QueryRow(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("sos: confirm %s: %w", column, err)
	}
	return c, nil
}

func (r *PGCaseRepository) RecordEscalation(ctx context.Context, id string, at time.Time, notices []EscalationNotice) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sos_cases
		SET escalation_triggered = true, escalated_at = $2, updated_at = now()
		WHERE id = $1 AND NOT escalation_triggered`,
		id, at)
	if err != nil {
		return fmt.Errorf("sos: record escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another sweep already escalated; notices below would duplicate.
		return nil
	}

	for _, n := range notices {
		if _, err := r.pool.Exec(ctx, `
			INSERT INTO sos_escalation_notices (case_id, channel, recipient, template)
			VALUES ($1, $2, $3, $4)`,
			id, n.Channel, n.Recipient, n.Template); err != nil {
			return fmt.Errorf("sos: record escalation notice: %w", err)
		}
	}
	return nil
}

func (r *PGCaseRepository) AddNotice(ctx context.Context, id string, notice EscalationNotice) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sos_escalation_notices (case_id, channel, recipient, template)
		VALUES ($1, $2, $3, $4)`,
		id, notice.Channel, notice.Recipient, notice.Template)
	if err != nil {
		return fmt.Errorf("sos: add notice: %w", err)
	}
	return nil
}

func (r *PGCaseRepository) HasNotice(ctx context.Context, id string, template string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sos_escalation_notices WHERE case_id = $1 AND template = $2)`,
		id, template).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sos: check notice: %w", err)
	}
	return exists, nil
}

func (r *PGCaseRepository) RecordRetry(ctx context.Context, id string, at time.Time, newTimeoutAt time.Time) (Case, error) {
	query := `
		UPDATE sos_cases
		SET retry_count = retry_count + 1,
		    last_retry_at = $2,
		    timeout_at = $3,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, id, at, newTimeoutAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conditionalMiss(ctx, id)
		}
		return Case{}, fmt.Errorf("sos: record retry: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) SetCoordinationRequired(ctx context.Context, id string, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sos_cases
		SET coordination_required = true, coordination_reason = $2, updated_at = now()
		WHERE id = $1 AND NOT coordination_required`,
		id, reason)
	if err != nil {
		return fmt.Errorf("sos: set coordination required: %w", err)
	}
	return nil
}

func (r *PGCaseRepository) ResolveCoordination(ctx context.Context, id string, outcome CoordinationStatus, details string, at time.Time) (Case, error) {
	query := `
		UPDATE sos_cases
		SET coordination_status = $2::coordination_status,
		    coordination_details = NULLIF($3, ''),
		    coordination_resolved_at = $4,
		    updated_at = now()
		WHERE id = $1 AND coordination_required AND coordination_status IS NULL
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, query, id, outcome, details, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := r.GetByID(ctx, id)
			if getErr != nil {
				return Case{}, getErr
			}
			if !existing.CoordinationRequired {
				return Case{}, ErrCoordinationNotRequired
			}
			return Case{}, ErrCoordinationResolved
		}
		return Case{}, fmt.Errorf("sos: resolve coordination: %w", err)
	}
	return c, nil
}

func (r *PGCaseRepository) ListByRequester(ctx context.Context, requesterID string, limit int) ([]Case, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT `+caseColumns+`
		FROM sos_cases
		WHERE requester_id = $1
		ORDER BY created_at DESC
		LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, requesterID)
	if err != nil {
		return nil, fmt.Errorf("sos: list cases by requester: %w", err)
	}
	defer rows.Close()

	out := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("sos: scan case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sos: iterate cases: %w", err)
	}
	return out, nil
}

func (r *PGCaseRepository) ListActiveIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	query := fmt.Sprintf(`
		SELECT id
		FROM sos_cases
		WHERE status IN ('pending', 'accepted', 'hospitalReached')
		ORDER BY created_at ASC
		LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sos: list active cases: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sos: scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sos: iterate case ids: %w", err)
	}
	return ids, nil
}

func (r *PGCaseRepository) Stats(ctx context.Context, filters StatsFilters) (Stats, error) {
	where := []string{"1=1"}
	args := []any{}

	if filters.ResponderID != "" {
		where = append(where, fmt.Sprintf("accepted_by = $%d", len(args)+1))
		args = append(args, filters.ResponderID)
	}
	if filters.From != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)+1))
		args = append(args, *filters.From)
	}
	if filters.To != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)+1))
		args = append(args, *filters.To)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT status::text, COUNT(*) FROM sos_cases%s GROUP BY status`, whereClause)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("sos: stats by status: %w", err)
	}
	defer rows.Close()

	stats := Stats{ByStatus: map[CaseStatus]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("sos: scan stats row: %w", err)
		}
		stats.ByStatus[CaseStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("sos: iterate stats: %w", err)
	}

	latencyQuery := fmt.Sprintf(`SELECT AVG(response_latency_ms) FROM sos_cases%s AND response_latency_ms IS NOT NULL`, whereClause)
	var avg *float64
	if err := r.pool.QueryRow(ctx, latencyQuery, args...).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("sos: stats latency: %w", err)
	}
	stats.AvgResponseLatencyMs = avg

	return stats, nil
}

// conditionalMiss classifies a zero-row conditional update: missing row vs.
// state moved on.
func (r *PGCaseRepository) conditionalMiss(ctx context.Context, id string) (Case, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return Case{}, err
	}
	return Case{}, ErrCaseUnavailable
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c                                       Case
		contactName, contactPhone, contactRel   *string
		longitude, latitude                     *float64
		acceptedBy, acceptedByName, acceptAgent *string
		acceptedAt                              *time.Time
		coordStatus                             *string
	)

	err := row.Scan(
		&c.ID, &c.RequesterID, &c.RequesterName, &c.RequesterPhone, &c.RequesterEmail,
		&c.RequesterAge, &c.RequesterGender, &contactName, &contactPhone, &contactRel,
		&longitude, &latitude, &c.Address, &c.City, &c.State, &c.PostalCode,
		&c.EmergencyType, &c.Severity, &c.Description, &c.Status, &c.TimeoutAt,
		&acceptedBy, &acceptedByName, &acceptAgent, &acceptedAt,
		&c.ReachedAt, &c.AdmittedAt, &c.DischargedAt, &c.CancelledAt, &c.TimedOutAt, &c.CancelReason,
		&c.ResponseLatencyMs, &c.RequesterReachedConfirmedAt, &c.RequesterAdmissionConfirmedAt,
		&c.EscalationTriggered, &c.EscalatedAt, &c.RetryCount, &c.LastRetryAt,
		&c.CoordinationRequired, &c.CoordinationReason, &coordStatus,
		&c.CoordinationDetails, &c.CoordinationResolvedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Case{}, err
	}

	if longitude != nil && latitude != nil {
		c.Point = geo.Point{Longitude: *longitude, Latitude: *latitude}
	}
	if contactName != nil || contactPhone != nil {
		contact := EmergencyContact{}
		if contactName != nil {
			contact.Name = *contactName
		}
		if contactPhone != nil {
			contact.Phone = *contactPhone
		}
		if contactRel != nil {
			contact.Relation = *contactRel
		}
		c.Contact = &contact
	}
	if acceptedBy != nil {
		acc := Acceptance{ResponderID: *acceptedBy}
		if acceptedByName != nil {
			acc.ResponderName = *acceptedByName
		}
		if acceptAgent != nil {
			acc.Agent = *acceptAgent
		}
		if acceptedAt != nil {
			acc.At = *acceptedAt
		}
		c.AcceptedBy = &acc
	}
	if coordStatus != nil {
		s := CoordinationStatus(*coordStatus)
		c.CoordinationStatus = &s
	}
	return c, nil
}

func pointLongitude(p geo.Point) *float64 {
	if !p.Valid() {
		return nil
	}
	lon := p.Longitude
	return &lon
}

func pointLatitude(p geo.Point) *float64 {
	if !p.Valid() {
		return nil
	}
	lat := p.Latitude
	return &lat
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
