package sos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

// LedgerRepository is the persistence surface for per-responder candidate
// records. Accept is the arbitration point for the whole case: a conditional
// update from notified wins or loses atomically, and a partial unique index
// on the table backstops the at-most-one-winner rule.
type LedgerRepository interface {
	CreateNotified(ctx context.Context, rec CandidateRecord) (CandidateRecord, bool, error)
	Get(ctx context.Context, caseID, responderID string) (CandidateRecord, error)
	Accept(ctx context.Context, caseID, responderID, agent string, at time.Time, latencyMs int64) (CandidateRecord, error)
	UpdateWinner(ctx context.Context, caseID, responderID string, from, to CandidateStatus, at time.Time) (CandidateRecord, error)
	FenceSiblings(ctx context.Context, caseID, winnerResponderID string, to CandidateStatus) (int64, error)
	CancelAll(ctx context.Context, caseID string) (int64, error)
	Winner(ctx context.Context, caseID string) (CandidateRecord, bool, error)
	ListByCase(ctx context.Context, caseID string) ([]CandidateRecord, error)
	ListByResponder(ctx context.Context, responderID string, status CandidateStatus) ([]CandidateRecord, error)
	AppendAction(ctx context.Context, candidateID, action, actor, note string) error
	AppendComm(ctx context.Context, candidateID, channel, direction, status string) error
}

const candidateColumns = `id, case_id, responder_id, responder_name, responder_phone, responder_email,
    longitude, latitude, distance_km, hospital_status::text,
    responded_at, responded_by, response_latency_ms, created_at, updated_at`

// PGLedgerRepository implements LedgerRepository backed by PostgreSQL.
type PGLedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *PGLedgerRepository {
	return &PGLedgerRepository{pool: pool}
}

// CreateNotified inserts a notified record for (case, responder). A record
// that already exists is left untouched and returned; re-notification must
// never reset a responder's progress.
func (r *PGLedgerRepository) CreateNotified(ctx context.Context, rec CandidateRecord) (CandidateRecord, bool, error) {
	query := `
		INSERT INTO sos_candidates (case_id, responder_id, responder_name, responder_phone,
		    responder_email, longitude, latitude, distance_km, hospital_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'notified')
		ON CONFLICT (case_id, responder_id) DO NOTHING
		RETURNING ` + candidateColumns

	row := r.pool.QueryRow(ctx, query,
		rec.CaseID,
		rec.ResponderID,
		rec.ResponderName,
		rec.ResponderPhone,
		rec.ResponderEmail,
		pointLongitude(rec.Point),
		pointLatitude(rec.Point),
		rec.DistanceKm,
	)

	created, err := scanCandidate(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CandidateRecord{}, false, fmt.Errorf("sos: create candidate: %w", err)
	}

	// DO NOTHING hit the (case, responder) unique pair; fetch what is there.
	existing, err := r.Get(ctx, rec.CaseID, rec.ResponderID)
	if err != nil {
		return CandidateRecord{}, false, err
	}
	return existing, false, nil
}

func (r *PGLedgerRepository) Get(ctx context.Context, caseID, responderID string) (CandidateRecord, error) {
	query := `SELECT ` + candidateColumns + ` FROM sos_candidates WHERE case_id = $1 AND responder_id = $2`

	rec, err := scanCandidate(r.pool.QueryRow(ctx, query, caseID, responderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CandidateRecord{}, ErrCandidateNotFound
		}
		return CandidateRecord{}, fmt.Errorf("sos: get candidate: %w", err)
	}
	return rec, nil
}

// Accept flips the record from notified to accepted. Zero rows means the
// responder lost the race or was never notified; the caller gets the
// distinction via the follow-up read.
func (r *PGLedgerRepository) Accept(ctx context.Context, caseID, responderID, agent string, at time.Time, latencyMs int64) (CandidateRecord, error) {
	query := `
		UPDATE sos_candidates
		SET hospital_status = 'accepted',
		    responded_at = $3,
		    responded_by = NULLIF($4, ''),
		    response_latency_ms = $5,
		    updated_at = now()
		WHERE case_id = $1 AND responder_id = $2 AND hospital_status = 'notified'
		RETURNING ` + candidateColumns

	rec, err := scanCandidate(r.pool.QueryRow(ctx, query, caseID, responderID, at, agent, latencyMs))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Partial unique index backstop: another responder won in the
			// same instant.
			return CandidateRecord{}, ErrAlreadyHandled
		}
		return CandidateRecord{}, fmt.Errorf("sos: accept candidate: %w", err)
	}

	existing, getErr := r.Get(ctx, caseID, responderID)
	if getErr != nil {
		return CandidateRecord{}, getErr
	}
	switch existing.HospitalStatus {
	case CandidateAccepted, CandidateReached, CandidateAdmitted, CandidateDischarged:
		// Idempotent re-accept by the winner itself is still a conflict at
		// this layer; the service decides how to present it.
		return existing, ErrAlreadyHandled
	case CandidateHandledByOther, CandidatePatientOut:
		return existing, ErrAlreadyHandled
	default:
		return existing, ErrCaseUnavailable
	}
}

func (r *PGLedgerRepository) UpdateWinner(ctx context.Context, caseID, responderID string, from, to CandidateStatus, at time.Time) (CandidateRecord, error) {
	query := `
		UPDATE sos_candidates
		SET hospital_status = $4::sos_candidate_status,
		    responded_at = $5,
		    updated_at = now()
		WHERE case_id = $1 AND responder_id = $2 AND hospital_status = $3::sos_candidate_status
		RETURNING ` + candidateColumns

	rec, err := scanCandidate(r.pool.QueryRow(ctx, query, caseID, responderID, from, to, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, caseID, responderID); getErr != nil {
				return CandidateRecord{}, getErr
			}
			return CandidateRecord{}, ErrCaseUnavailable
		}
		return CandidateRecord{}, fmt.Errorf("sos: update winner: %w", err)
	}
	return rec, nil
}

// FenceSiblings flips every non-winner record to the peer-visible terminal
// status. handledByOther fences only still-notified peers; patientDischarged
// also covers peers fenced earlier.
func (r *PGLedgerRepository) FenceSiblings(ctx context.Context, caseID, winnerResponderID string, to CandidateStatus) (int64, error) {
	fromStates := []string{string(CandidateNotified)}
	if to == CandidatePatientOut {
		fromStates = append(fromStates, string(CandidateHandledByOther))
	}

	query := `
		UPDATE sos_candidates
		SET hospital_status = $3::sos_candidate_status, updated_at = now()
		WHERE case_id = $1 AND responder_id <> $2 AND hospital_status = ANY($4::sos_candidate_status[])`

	tag, err := r.pool.Exec(ctx, query, caseID, winnerResponderID, to, fromStates)
	if err != nil {
		return 0, fmt.Errorf("sos: fence siblings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGLedgerRepository) CancelAll(ctx context.Context, caseID string) (int64, error) {
	query := `
		UPDATE sos_candidates
		SET hospital_status = 'cancelled', updated_at = now()
		WHERE case_id = $1 AND hospital_status <> 'cancelled'`

	tag, err := r.pool.Exec(ctx, query, caseID)
	if err != nil {
		return 0, fmt.Errorf("sos: cancel candidates: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Winner returns the single record currently holding an exclusive status,
// if any.
func (r *PGLedgerRepository) Winner(ctx context.Context, caseID string) (CandidateRecord, bool, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM sos_candidates
		WHERE case_id = $1 AND hospital_status IN ('accepted', 'hospitalReached', 'admitted')
		LIMIT 1`

	rec, err := scanCandidate(r.pool.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CandidateRecord{}, false, nil
		}
		return CandidateRecord{}, false, fmt.Errorf("sos: find winner: %w", err)
	}
	return rec, true, nil
}

func (r *PGLedgerRepository) ListByCase(ctx context.Context, caseID string) ([]CandidateRecord, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM sos_candidates
		WHERE case_id = $1
		ORDER BY distance_km ASC NULLS LAST, responder_name ASC`

	return r.list(ctx, query, caseID)
}

func (r *PGLedgerRepository) ListByResponder(ctx context.Context, responderID string, status CandidateStatus) ([]CandidateRecord, error) {
	if status != "" {
		query := `
			SELECT ` + candidateColumns + `
			FROM sos_candidates
			WHERE responder_id = $1 AND hospital_status = $2::sos_candidate_status
			ORDER BY created_at DESC`
		return r.list(ctx, query, responderID, status)
	}

	query := `
		SELECT ` + candidateColumns + `
		FROM sos_candidates
		WHERE responder_id = $1
		ORDER BY created_at DESC`
	return r.list(ctx, query, responderID)
}

func (r *PGLedgerRepository) AppendAction(ctx context.Context, candidateID, action, actor, note string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sos_candidate_actions (candidate_id, action, actor, note)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))`,
		candidateID, action, actor, note)
	if err != nil {
		return fmt.Errorf("sos: append action: %w", err)
	}
	return nil
}

func (r *PGLedgerRepository) AppendComm(ctx context.Context, candidateID, channel, direction, status string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sos_candidate_comms (candidate_id, channel, direction, status)
		VALUES ($1, $2, $3, $4)`,
		candidateID, channel, direction, status)
	if err != nil {
		return fmt.Errorf("sos: append comm: %w", err)
	}
	return nil
}

func (r *PGLedgerRepository) list(ctx context.Context, query string, args ...any) ([]CandidateRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sos: list candidates: %w", err)
	}
	defer rows.Close()

	out := []CandidateRecord{}
	for rows.Next() {
		rec, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("sos: scan candidate: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sos: iterate candidates: %w", err)
	}
	return out, nil
}

func scanCandidate(row pgx.Row) (CandidateRecord, error) {
	var (
		rec                 CandidateRecord
		longitude, latitude *float64
	)
	err := row.Scan(
		&rec.ID, &rec.CaseID, &rec.ResponderID, &rec.ResponderName,
		&rec.ResponderPhone, &rec.ResponderEmail,
		&longitude, &latitude, &rec.DistanceKm, &rec.HospitalStatus,
		&rec.RespondedAt, &rec.RespondedBy, &rec.ResponseLatencyMs,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return CandidateRecord{}, err
	}
	if longitude != nil && latitude != nil {
		rec.Point = geo.Point{Longitude: *longitude, Latitude: *latitude}
	}
	return rec, nil
}
