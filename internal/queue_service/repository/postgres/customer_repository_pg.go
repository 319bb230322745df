package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aradsms/queue_services/internal/platform/database"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
)

type PgCustomerRepository struct {
	logger *slog.Logger
}

func NewPgCustomerRepository(logger *slog.Logger) *PgCustomerRepository {
	return &PgCustomerRepository{logger: logger.With("component", "customer_repository_pg")}
}

var _ domain.CustomerRepository = (*PgCustomerRepository)(nil)

const upsertCustomerSQL = `
INSERT INTO customers (id, phone, display_name, email, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (phone) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	email = COALESCE(EXCLUDED.email, customers.email),
	updated_at = now()
RETURNING id, phone, display_name, email, created_at, updated_at`

func (r *PgCustomerRepository) Upsert(ctx context.Context, q database.Querier, phone, displayName string, email *string) (*domain.Customer, error) {
	var c domain.Customer
	err := q.QueryRow(ctx, upsertCustomerSQL, uuid.New(), phone, displayName, email).
		Scan(&c.ID, &c.Phone, &c.DisplayName, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting customer: %w", err)
	}
	return &c, nil
}

// PgLocationRepository resolves location codes; locations are reference data.
type PgLocationRepository struct {
	db database.Querier
}

func NewPgLocationRepository(db database.Querier) *PgLocationRepository {
	return &PgLocationRepository{db: db}
}

var _ domain.LocationRepository = (*PgLocationRepository)(nil)

func (r *PgLocationRepository) GetByCode(ctx context.Context, code string) (*domain.Location, error) {
	return r.get(ctx, `SELECT id, code, name, group_code FROM locations WHERE code = $1`, code)
}

func (r *PgLocationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Location, error) {
	return r.get(ctx, `SELECT id, code, name, group_code FROM locations WHERE id = $1`, id)
}

func (r *PgLocationRepository) get(ctx context.Context, query string, arg any) (*domain.Location, error) {
	var l domain.Location
	if err := r.db.QueryRow(ctx, query, arg).Scan(&l.ID, &l.Code, &l.Name, &l.GroupCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLocationNotFound
		}
		return nil, fmt.Errorf("loading location %v: %w", arg, err)
	}
	return &l, nil
}

type PgConsentRepository struct {
	db database.Querier
}

func NewPgConsentRepository(db database.Querier) *PgConsentRepository {
	return &PgConsentRepository{db: db}
}

var _ domain.ConsentRepository = (*PgConsentRepository)(nil)

func (r *PgConsentRepository) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `SELECT is_active FROM consent_versions WHERE id = $1`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrConsentNotFound
		}
		return false, fmt.Errorf("loading consent version %s: %w", id, err)
	}
	return active, nil
}
