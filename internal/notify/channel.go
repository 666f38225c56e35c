package notify

import (
	"context"
	"fmt"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
)

// Channel delivers payloads to one external destination. Send must
// honor ctx; the scheduler bounds every call with the send timeout.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Payload) error
	Close() error
}

// NewChannel builds the channel described by a validated config entry
func NewChannel(cfg config.ChannelConfig, log *logger.Logger) (Channel, error) {
	log = log.With("channel", cfg.Name)

	switch cfg.Type {
	case "webhook":
		return NewWebhookChannel(cfg.Name, cfg.Webhook, cfg.SendTimeout), nil
	case "discord":
		return NewDiscordChannel(cfg.Name, cfg.Discord, cfg.SendTimeout), nil
	case "email":
		return NewEmailChannel(cfg.Name, cfg.Email, log)
	case "nats":
		return NewNATSChannel(cfg.Name, cfg.NATS, log)
	case "redis":
		return NewRedisChannel(cfg.Name, cfg.Redis, log), nil
	case "kafka":
		return NewKafkaChannel(cfg.Name, cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", cfg.Type)
	}
}
