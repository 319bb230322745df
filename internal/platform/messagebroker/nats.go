package messagebroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of the broker used by application services.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NatsClient wraps a NATS connection.
type NatsClient struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNatsClient connects to NATS with infinite reconnects.
// natsURL example: "nats://localhost:4222"
func NewNatsClient(natsURL, appName string, logger *slog.Logger) (*NatsClient, error) {
	logger = logger.With("component", "nats_client")
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed", "last_error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsClient{conn: nc, logger: logger}, nil
}

// Publish sends data on subject. The context is only checked before publishing;
// core NATS publishes are fire-and-forget.
func (c *NatsClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a queue-group subscription; members of the group share the load.
// The subscription is drained when ctx is cancelled.
func (c *NatsClient) Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queueGroup, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("Draining NATS subscription", "subject", subject, "error", err)
		}
	}()
	c.logger.Info("Subscribed to NATS subject", "subject", subject, "queue_group", queueGroup)
	return sub, nil
}

// Close drains outstanding publishes and closes the connection.
func (c *NatsClient) Close() {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("Draining NATS connection", "error", err)
		c.conn.Close()
	}
}

// LogPublisher stands in for NATS when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "log_publisher")}
}

func (p *LogPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.logger.DebugContext(ctx, "Event", "subject", subject, "payload", string(data))
	return nil
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.Publish(ctx, subject, data)
}
