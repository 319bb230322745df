package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/platform/database"
)

type PgOptOutRepository struct {
	db     database.Querier
	logger *slog.Logger
}

func NewPgOptOutRepository(db database.Querier, logger *slog.Logger) *PgOptOutRepository {
	return &PgOptOutRepository{db: db, logger: logger.With("component", "opt_out_repository_pg")}
}

var _ domain.OptOutRepository = (*PgOptOutRepository)(nil)

// Add is idempotent; repeating STOP keeps the original opt-out record.
func (r *PgOptOutRepository) Add(ctx context.Context, phone, source string) error {
	_, err := r.db.Exec(ctx, `INSERT INTO opt_outs (phone, source, created_at) VALUES ($1, $2, now())
		ON CONFLICT (phone) DO NOTHING`, phone, source)
	if err != nil {
		return fmt.Errorf("adding opt-out: %w", err)
	}
	r.logger.InfoContext(ctx, "Phone opted out", "source", source)
	return nil
}

func (r *PgOptOutRepository) Remove(ctx context.Context, phone string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM opt_outs WHERE phone = $1`, phone)
	if err != nil {
		return false, fmt.Errorf("removing opt-out: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgOptOutRepository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var optedOut bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM opt_outs WHERE phone = $1)`, phone).Scan(&optedOut)
	if err != nil {
		return false, fmt.Errorf("checking opt-out: %w", err)
	}
	return optedOut, nil
}
