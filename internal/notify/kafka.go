package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
)

// KafkaChannel produces the JSON payload to a topic, keyed by site.
// The producer is dialed on the first send and again after a failed
// dial, so an unreachable broker fails deliveries rather than startup.
type KafkaChannel struct {
	name    string
	topic   string
	brokers []string
	config  *sarama.Config
	dial    func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)
	logger  *logger.Logger

	mu       sync.Mutex
	producer sarama.SyncProducer
}

// NewKafkaChannel creates a Kafka channel. No connection is made until
// the first Send.
func NewKafkaChannel(name string, cfg config.KafkaConfig, log *logger.Logger) *KafkaChannel {
	sc := sarama.NewConfig()
	sc.ClientID = "barnwatch"
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 0 // the scheduler owns retries
	sc.Net.DialTimeout = 10 * time.Second
	sc.Metadata.Retry.Max = 1

	return &KafkaChannel{
		name:    name,
		topic:   cfg.Topic,
		brokers: cfg.Brokers,
		config:  sc,
		dial:    sarama.NewSyncProducer,
		logger:  log,
	}
}

func newKafkaChannel(name, topic string, producer sarama.SyncProducer, log *logger.Logger) *KafkaChannel {
	return &KafkaChannel{name: name, topic: topic, producer: producer, logger: log}
}

func (c *KafkaChannel) Name() string { return c.name }

func (c *KafkaChannel) connect() (sarama.SyncProducer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.producer != nil {
		return c.producer, nil
	}
	producer, err := c.dial(c.brokers, c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	c.producer = producer
	c.logger.Info("Kafka producer connected", "brokers", c.brokers, "topic", c.topic)
	return producer, nil
}

func (c *KafkaChannel) Send(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: c.topic,
		Value: sarama.ByteEncoder(data),
	}
	if len(p.Occurrences) == 1 {
		msg.Key = sarama.StringEncoder(p.Occurrences[0].SiteID)
	}

	// SyncProducer has no context; abandon the wait, not the message
	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		producer, err := c.connect()
		if err != nil {
			done <- result{err: err}
			return
		}
		partition, offset, err := producer.SendMessage(msg)
		done <- result{partition, offset, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("kafka send: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("kafka send: %w", r.err)
		}
		c.logger.Debug("Sent payload to Kafka", "topic", c.topic, "partition", r.partition, "offset", r.offset)
		return nil
	}
}

func (c *KafkaChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.producer == nil {
		return nil
	}
	err := c.producer.Close()
	c.producer = nil
	return err
}
