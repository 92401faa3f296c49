package directory

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

var (
	// ErrNotFound signals the requested responder does not exist.
	ErrNotFound = errors.New("directory: responder not found")
	// ErrAlreadyDecided signals an approve/reject on a responder that has
	// left the pending state.
	ErrAlreadyDecided = errors.New("directory: responder already decided")
)

const respondersColumns = `
	id, provider_type::text, name, email, phone, status::text, verified,
	approved_by, approval_notes, rejection_reason,
	COALESCE(longitude, 0), COALESCE(latitude, 0),
	address, city, state, postal_code, created_at, updated_at
`

// Repository provides access to responder records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers a new responder in the pending approval state.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Responder, error) {
	if params.Name == "" {
		return Responder{}, fmt.Errorf("directory: responder name required")
	}
	kind := params.ProviderType
	if kind == "" {
		kind = TypeHospital
	}

	query := `
		INSERT INTO responders (provider_type, name, email, phone, longitude, latitude,
			address, city, state, postal_code)
		VALUES ($1::responder_type, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,0), NULLIF($6,0),
			NULLIF($7,''), NULLIF($8,''), NULLIF($9,''), NULLIF($10,''))
		RETURNING` + respondersColumns

	row := r.pool.QueryRow(ctx, query,
		kind, params.Name, params.Email, params.Phone,
		params.Point.Longitude, params.Point.Latitude,
		params.Address, params.City, params.State, params.PostalCode,
	)
	rec, err := scanResponder(row)
	if err != nil {
		return Responder{}, fmt.Errorf("directory: create responder: %w", err)
	}
	return rec, nil
}

// GetByID fetches one responder record.
func (r *Repository) GetByID(ctx context.Context, id string) (Responder, error) {
	query := `SELECT` + respondersColumns + `FROM responders WHERE id = $1`
	rec, err := scanResponder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Responder{}, ErrNotFound
		}
		return Responder{}, fmt.Errorf("directory: get responder: %w", err)
	}
	return rec, nil
}

// ActiveNear returns active-and-verified responders inside a coarse bounding
// box around the point. The caller refines the boundary with full-precision
// haversine; this query only bounds the candidate set.
func (r *Repository) ActiveNear(ctx context.Context, point geo.Point, radiusKm float64) ([]geo.Responder, error) {
	latDelta := radiusKm / 111.32
	cosLat := math.Cos(point.Latitude * math.Pi / 180)
	lonDelta := latDelta
	if cosLat > 1e-6 {
		lonDelta = radiusKm / (111.32 * cosLat)
	}

	query := `SELECT` + respondersColumns + `
		FROM responders
		WHERE status = 'approved' AND verified
		  AND latitude  BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4
		ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query,
		point.Latitude-latDelta, point.Latitude+latDelta,
		point.Longitude-lonDelta, point.Longitude+lonDelta,
	)
	if err != nil {
		return nil, fmt.Errorf("directory: query active near: %w", err)
	}
	return collectSummaries(rows)
}

// ActiveByCityOrPostalCode returns active responders sharing the city name
// (case-insensitive) or the postal code.
func (r *Repository) ActiveByCityOrPostalCode(ctx context.Context, city, postalCode string) ([]geo.Responder, error) {
	query := `SELECT` + respondersColumns + `
		FROM responders
		WHERE status = 'approved' AND verified
		  AND ((NULLIF($1,'') IS NOT NULL AND lower(city) = lower($1))
		    OR (NULLIF($2,'') IS NOT NULL AND postal_code = $2))
		ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query, city, postalCode)
	if err != nil {
		return nil, fmt.Errorf("directory: query by city or postal code: %w", err)
	}
	return collectSummaries(rows)
}

// AllActive returns up to limit active responders.
func (r *Repository) AllActive(ctx context.Context, limit int) ([]geo.Responder, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT` + respondersColumns + `
		FROM responders
		WHERE status = 'approved' AND verified
		ORDER BY name ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: query all active: %w", err)
	}
	return collectSummaries(rows)
}

// approve flips a pending responder of the given type to approved+verified.
func (r *Repository) approve(ctx context.Context, kind ProviderType, id, by, notes string) error {
	return r.decide(ctx, kind, id, `
		UPDATE responders
		SET status = 'approved', verified = true, approved_by = $3,
		    approval_notes = NULLIF($4,''), updated_at = now()
		WHERE id = $1 AND provider_type = $2::responder_type AND status = 'pending'
	`, by, notes)
}

// reject flips a pending responder of the given type to rejected.
func (r *Repository) reject(ctx context.Context, kind ProviderType, id, by, reason string) error {
	return r.decide(ctx, kind, id, `
		UPDATE responders
		SET status = 'rejected', verified = false, approved_by = $3,
		    rejection_reason = NULLIF($4,''), updated_at = now()
		WHERE id = $1 AND provider_type = $2::responder_type AND status = 'pending'
	`, by, reason)
}

func (r *Repository) decide(ctx context.Context, kind ProviderType, id, sql, by, note string) error {
	tag, err := r.pool.Exec(ctx, sql, id, kind, by, note)
	if err != nil {
		return fmt.Errorf("directory: decide responder: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT status::text FROM responders WHERE id = $1 AND provider_type = $2::responder_type`,
		id, kind).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("directory: decide responder fetch: %w", err)
	}
	return ErrAlreadyDecided
}

func collectSummaries(rows pgx.Rows) ([]geo.Responder, error) {
	defer rows.Close()

	out := make([]geo.Responder, 0, 16)
	for rows.Next() {
		rec, err := scanResponder(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan responder: %w", err)
		}
		out = append(out, rec.summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate responders: %w", err)
	}
	return out, nil
}

func scanResponder(row pgx.Row) (Responder, error) {
	var rec Responder
	err := row.Scan(
		&rec.ID,
		&rec.ProviderType,
		&rec.Name,
		&rec.Email,
		&rec.Phone,
		&rec.Status,
		&rec.Verified,
		&rec.ApprovedBy,
		&rec.ApprovalNotes,
		&rec.RejectionReason,
		&rec.Point.Longitude,
		&rec.Point.Latitude,
		&rec.Address,
		&rec.City,
		&rec.State,
		&rec.PostalCode,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}
