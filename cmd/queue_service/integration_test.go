//go:build integration

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aradsms/queue_services/internal/core_domain"
	"github.com/aradsms/queue_services/internal/outbox_service/provider"
	"github.com/aradsms/queue_services/internal/platform/config"
	"github.com/aradsms/queue_services/internal/platform/database"
	queueapp "github.com/aradsms/queue_services/internal/queue_service/app"
	"github.com/aradsms/queue_services/internal/queue_service/domain"
	ratelimitapp "github.com/aradsms/queue_services/internal/ratelimit_service/app"
	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		tcpostgres.WithDatabase("queue_db"),
		tcpostgres.WithUsername("queueuser"),
		tcpostgres.WithPassword("queuepassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

type integrationEnv struct {
	svc       *services
	consentID uuid.UUID
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dsn := startPostgres(t, ctx)
	require.NoError(t, database.MigrateUp(dsn, logger))

	cfg := &config.Config{
		PostgresDSN:          dsn,
		SMSProvider:          "mock",
		DefaultRegion:        "US",
		PriorityOrder:        "paying,priority_pass",
		OutboxMaxAttempts:    8,
		OutboxBackoffBase:    time.Minute,
		OutboxBackoffCap:     time.Hour,
		OutboxLockDuration:   5 * time.Minute,
		OutboxSweepBatchSize: 50,
		RateLimitBackend:     "postgres",
		SMSPhoneDailyCap:     20,
		SMSLocationDailyCap:  2000,
	}
	require.NoError(t, cfg.Validate())

	svc, err := buildServices(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	env := &integrationEnv{svc: svc, consentID: uuid.New()}
	_, err = svc.pool.Exec(ctx, `INSERT INTO consent_versions (id, version, is_active) VALUES ($1, 'v1', TRUE)`, env.consentID)
	require.NoError(t, err)
	_, err = svc.pool.Exec(ctx, `INSERT INTO locations (id, code, name, group_code) VALUES ($1, 'front', 'Front Desk', 'main')`, uuid.New())
	require.NoError(t, err)
	return env
}

func (e *integrationEnv) join(ctx context.Context, name, phone string) (*domain.QueueEntry, error) {
	return e.svc.queue.Join(ctx, queueapp.JoinRequest{
		LocationCode:     "front",
		Name:             name,
		Phone:            phone,
		CustomerType:     "paying",
		ConsentVersionID: e.consentID,
	})
}

func TestIntegration_ConcurrentJoinsCreateOneEntry(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.join(ctx, "Ada", "+1 415 555 0100")
			mu.Lock()
			defer mu.Unlock()
			var already *domain.JoinConflictError
			switch {
			case err == nil:
				created++
			case errors.As(err, &already):
				conflicts++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)

	var active int
	require.NoError(t, env.svc.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_entries WHERE status IN ('waiting','serving')`).Scan(&active))
	assert.Equal(t, 1, active)
}

func TestIntegration_ConcurrentAdvanceServesEachEntryOnce(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.join(ctx, fmt.Sprintf("Customer %d", i), fmt.Sprintf("+1 415 555 01%02d", i))
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		served = map[uuid.UUID]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := env.svc.queue.Advance(ctx, "front")
			if err != nil {
				assert.True(t, errors.Is(err, core_domain.ErrNotFound) || errors.Is(err, core_domain.ErrConflict), "advance: %v", err)
				return
			}
			mu.Lock()
			served[entry.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, served, 3)
	for id, n := range served {
		assert.Equal(t, 1, n, "entry %s served more than once", id)
	}
}

func TestIntegration_ConcurrentSweepsSendEachMessageOnce(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.join(ctx, fmt.Sprintf("Customer %d", i), fmt.Sprintf("+1 415 555 02%02d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.delivery.Sweep(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	env.svc.inline.Wait()
	_, err := env.svc.delivery.Sweep(ctx)
	require.NoError(t, err)

	mock, ok := env.svc.sender.(*provider.MockSMSProvider)
	require.True(t, ok)
	perMessage := map[string]int{}
	for _, req := range mock.Sent() {
		perMessage[req.InternalMessageID]++
	}
	assert.Len(t, perMessage, 5)
	for id, n := range perMessage {
		assert.Equal(t, 1, n, "message %s sent more than once", id)
	}

	var pending int
	require.NoError(t, env.svc.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_messages WHERE status <> 'sent'`).Scan(&pending))
	assert.Zero(t, pending)
}

func TestIntegration_RateLimitBucketIsAtomic(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()
	rule := ratelimitapp.ByIP("join", "198.51.100.4", 5, ratelimitapp.Day)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := env.svc.limiter.Check(ctx, ratelimitdomain.FailClosed, rule)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}
