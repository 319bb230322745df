package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgBucketRepository_Increment(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	windowStart := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	resetAt := windowStart.Add(time.Minute)

	t.Run("ReturnsPostIncrementCount", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgBucketRepository(mockPool, logger)

		mockPool.ExpectQuery(`INSERT INTO rate_limit_buckets`).
			WithArgs("ip:10.0.0.1:60s", windowStart, 60, resetAt).
			WillReturnRows(mockPool.NewRows([]string{"count", "reset_at"}).AddRow(int64(3), resetAt))

		count, gotReset, err := repo.Increment(context.Background(), "ip:10.0.0.1:60s", windowStart, time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), count)
		assert.Equal(t, resetAt, gotReset)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("QueryError", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgBucketRepository(mockPool, logger)

		mockPool.ExpectQuery(`INSERT INTO rate_limit_buckets`).
			WithArgs("k", windowStart, 60, resetAt).
			WillReturnError(errors.New("db down"))

		_, _, err = repo.Increment(context.Background(), "k", windowStart, time.Minute)
		assert.ErrorContains(t, err, "db down")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgBucketRepository_DeleteExpired(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	repo := NewPgBucketRepository(mockPool, logger)

	cutoff := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	mockPool.ExpectExec(`DELETE FROM rate_limit_buckets WHERE reset_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := repo.DeleteExpired(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
