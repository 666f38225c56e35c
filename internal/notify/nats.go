package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
)

// NATSChannel publishes the JSON payload on a subject
type NATSChannel struct {
	name    string
	subject string
	conn    *nats.Conn
	logger  *logger.Logger
}

// NewNATSChannel connects in the background and keeps reconnecting
func NewNATSChannel(name string, cfg config.NATSConfig, log *logger.Logger) (*NATSChannel, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("barnwatch-"+name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	log.Info("NATS channel ready", "url", cfg.URL, "subject", cfg.Subject)
	return &NATSChannel{name: name, subject: cfg.Subject, conn: conn, logger: log}, nil
}

func (c *NATSChannel) Name() string { return c.name }

// Send publishes and flushes, so an unreachable server fails the
// attempt instead of parking the message in the reconnect buffer
func (c *NATSChannel) Send(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", c.conn.Status())
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// IsConnected reports the connection state for health checks
func (c *NATSChannel) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Ping fails while the client is reconnecting
func (c *NATSChannel) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("nats %s: not connected", c.name)
	}
	return nil
}

func (c *NATSChannel) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
