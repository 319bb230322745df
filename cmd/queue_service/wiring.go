package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	inboundapp "github.com/aradsms/queue_services/internal/inbound_processor_service/app"
	inboundpg "github.com/aradsms/queue_services/internal/inbound_processor_service/repository/postgres"
	outboxapp "github.com/aradsms/queue_services/internal/outbox_service/app"
	outboxdomain "github.com/aradsms/queue_services/internal/outbox_service/domain"
	"github.com/aradsms/queue_services/internal/outbox_service/provider"
	outboxpg "github.com/aradsms/queue_services/internal/outbox_service/repository/postgres"
	"github.com/aradsms/queue_services/internal/platform/config"
	"github.com/aradsms/queue_services/internal/platform/database"
	"github.com/aradsms/queue_services/internal/platform/messagebroker"
	"github.com/aradsms/queue_services/internal/platform/phone"
	queueapp "github.com/aradsms/queue_services/internal/queue_service/app"
	queuedomain "github.com/aradsms/queue_services/internal/queue_service/domain"
	queuepg "github.com/aradsms/queue_services/internal/queue_service/repository/postgres"
	ratelimitapp "github.com/aradsms/queue_services/internal/ratelimit_service/app"
	ratelimitdomain "github.com/aradsms/queue_services/internal/ratelimit_service/domain"
	ratelimitpg "github.com/aradsms/queue_services/internal/ratelimit_service/repository/postgres"
	ratelimitredis "github.com/aradsms/queue_services/internal/ratelimit_service/repository/redis"
)

// services is the fully wired object graph shared by serve and sweep.
type services struct {
	pool      *pgxpool.Pool
	nats      *messagebroker.NatsClient
	redis     *goredis.Client
	sender    provider.SMSSenderProvider
	limiter   *ratelimitapp.Limiter
	delivery  *outboxapp.DeliveryAppService
	queue     *queueapp.QueueAppService
	processor *inboundapp.CommandProcessor
	inline    *outboxapp.InlineDispatcher
	phones    *phone.Normalizer
}

func (s *services) Close() {
	if s.inline != nil {
		s.inline.Wait()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.pool, err = database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to PostgreSQL")

	var events messagebroker.Publisher = messagebroker.NewLogPublisher(logger)
	if cfg.NATSUrl != "" {
		s.nats, err = messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, logger)
		if err != nil {
			return nil, err
		}
		events = s.nats
		logger.Info("Connected to NATS", "url", cfg.NATSUrl)
	}

	store, err := s.bucketStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.limiter = ratelimitapp.NewLimiter(store, logger, cfg.RateLimitLocalFallback)

	s.sender, err = newSender(cfg, logger)
	if err != nil {
		return nil, err
	}
	optOuts := outboxpg.NewPgOptOutRepository(s.pool, logger)
	s.delivery = outboxapp.NewDeliveryAppService(
		outboxpg.NewPgOutboxRepository(s.pool, logger),
		optOuts,
		s.sender,
		s.limiter,
		outboxapp.DeliveryConfig{
			MaxAttempts:      cfg.OutboxMaxAttempts,
			Backoff:          outboxdomain.Backoff{Base: cfg.OutboxBackoffBase, Cap: cfg.OutboxBackoffCap},
			LockDuration:     cfg.OutboxLockDuration,
			BatchSize:        cfg.OutboxSweepBatchSize,
			PhoneDailyCap:    cfg.SMSPhoneDailyCap,
			LocationDailyCap: cfg.SMSLocationDailyCap,
		},
		logger,
	)

	var dispatcher outboxapp.Dispatcher
	if s.nats != nil {
		dispatcher = outboxapp.NewNatsDispatcher(s.nats, logger)
	} else {
		s.inline = outboxapp.NewInlineDispatcher(s.delivery, logger)
		dispatcher = s.inline
	}

	order, err := queuedomain.ParsePriorityOrder(cfg.PriorityOrder)
	if err != nil {
		return nil, fmt.Errorf("PRIORITY_ORDER: %w", err)
	}
	s.phones = phone.NewNormalizer(cfg.DefaultRegion)
	s.queue = queueapp.NewQueueAppService(queueapp.QueueAppServiceDeps{
		DB:         s.pool,
		Entries:    queuepg.NewPgQueueEntryRepository(logger),
		Customers:  queuepg.NewPgCustomerRepository(logger),
		Locations:  queuepg.NewPgLocationRepository(s.pool),
		Consents:   queuepg.NewPgConsentRepository(s.pool),
		Outbox:     s.delivery,
		Dispatcher: dispatcher,
		Events:     events,
		Normalizer: s.phones,
		Order:      order,
		Logger:     logger,
	})

	s.processor = inboundapp.NewCommandProcessor(
		inboundpg.NewPgInboxRepository(s.pool, logger),
		optOuts,
		s.queue,
		s.phones,
		events,
		logger,
	)
	return s, nil
}

func (s *services) bucketStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimitdomain.BucketStore, error) {
	if cfg.RateLimitBackend != "redis" {
		return ratelimitpg.NewPgBucketRepository(s.pool, logger), nil
	}
	s.redis = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		// Each Check applies its own policy while Redis is unreachable.
		logger.Warn("Redis ping failed; continuing", "addr", cfg.RedisAddr, "error", err)
	}
	return ratelimitredis.NewBucketStore(s.redis, logger), nil
}

func newSender(cfg *config.Config, logger *slog.Logger) (provider.SMSSenderProvider, error) {
	switch strings.ToLower(cfg.SMSProvider) {
	case "twilio":
		return provider.NewTwilioSMSProvider(logger, provider.TwilioConfig{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			FromNumber:          cfg.TwilioFromNumber,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		}), nil
	case "mock":
		logger.Warn("Using mock SMS provider; messages are not delivered")
		return provider.NewMockSMSProvider(logger, false, 0), nil
	default:
		return nil, fmt.Errorf("unknown SMS_PROVIDER %q", cfg.SMSProvider)
	}
}
