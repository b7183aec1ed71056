// Package kafka provides a channel that writes to a Kafka topic and reads
// from a topic, optionally as a consumer group member.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// Config configures a Kafka channel.
type Config struct {
	Brokers []string `koanf:"brokers"`

	// Topic receives sent payloads.
	Topic string `koanf:"topic"`

	// ReceiveTopic is read while receiving. Empty disables receiving.
	ReceiveTopic string `koanf:"receive_topic"`

	// GroupID enables consumer group membership and offset commits.
	GroupID string `koanf:"group_id"`

	// KeyProperty names the operation property used as the message key.
	KeyProperty string `koanf:"key_property"`

	// RequiredAcks is -1 (all) or 1 (leader). Zero selects all.
	RequiredAcks int `koanf:"required_acks"`

	// DialTimeout bounds the broker check on open. Default 5s.
	DialTimeout time.Duration `koanf:"dial_timeout"`

	// BatchTimeout bounds how long the writer waits to fill a batch. Default 10ms.
	BatchTimeout time.Duration `koanf:"batch_timeout"`

	// MaxWait bounds a single fetch. Default 1s.
	MaxWait time.Duration `koanf:"max_wait"`
}

func (c Config) applyDefaults() Config {
	if c.RequiredAcks == 0 {
		c.RequiredAcks = int(kafka.RequireAll)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	return c
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" && c.ReceiveTopic == "" {
		return errors.New("kafka: topic or receive_topic is required")
	}
	return nil
}

// Transport is a channel.Transport over a kafka-go writer and reader.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	reader  *kafka.Reader
	deliver func([]byte)
}

// NewTransport validates cfg and returns an unconnected transport.
func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg.applyDefaults(), logger: logger}, nil
}

// New creates a Kafka channel.
func New(cfg Config, chCfg channel.Config) (*channel.Channel, error) {
	t, err := NewTransport(cfg, chCfg.Logger)
	if err != nil {
		return nil, err
	}
	return channel.New(t, chCfg), nil
}

// Receives reports whether a receive topic is configured.
func (t *Transport) Receives() bool { return t.cfg.ReceiveTopic != "" }

// Open checks that a broker is reachable, then prepares the writer and reader.
func (t *Transport) Open(ctx context.Context, deliver func([]byte)) error {
	dialer := &kafka.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker %s: %w", t.cfg.Brokers[0], err)
	}
	_ = conn.Close()

	var writer *kafka.Writer
	if t.cfg.Topic != "" {
		writer = &kafka.Writer{
			Addr:         kafka.TCP(t.cfg.Brokers...),
			Topic:        t.cfg.Topic,
			BatchTimeout: t.cfg.BatchTimeout,
			RequiredAcks: kafka.RequiredAcks(t.cfg.RequiredAcks),
		}
	}

	var reader *kafka.Reader
	if t.cfg.ReceiveTopic != "" {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     t.cfg.Brokers,
			GroupID:     t.cfg.GroupID,
			Topic:       t.cfg.ReceiveTopic,
			StartOffset: kafka.LastOffset,
			MaxWait:     t.cfg.MaxWait,
		})
	}

	t.mu.Lock()
	t.writer, t.reader, t.deliver = writer, reader, deliver
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, payload []byte, items ...any) error {
	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()

	if writer == nil {
		return errors.New("kafka: no topic configured for sending")
	}

	msg := kafka.Message{Value: payload}
	if op := channel.Operation(items); op != nil {
		if t.cfg.KeyProperty != "" {
			switch key := op.Properties[t.cfg.KeyProperty].(type) {
			case string:
				msg.Key = []byte(key)
			case []byte:
				msg.Key = key
			}
		}
		if op.ContentType != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "content-type", Value: []byte(op.ContentType)})
		}
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			err = errors.Join(channel.ErrTransportUnusable, err)
		}
		return fmt.Errorf("failed to write to %s: %w", t.cfg.Topic, err)
	}
	return nil
}

// Receive fetches messages until ctx is done. Offsets are committed after
// delivery when a group is configured.
func (t *Transport) Receive(ctx context.Context) error {
	t.mu.Lock()
	reader, deliver := t.reader, t.deliver
	t.mu.Unlock()

	if reader == nil {
		return errors.New("kafka: no receive_topic configured")
	}
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		deliver(msg.Value)

		if t.cfg.GroupID != "" {
			if err := reader.CommitMessages(ctx, msg); err != nil {
				t.logger.Error("failed to commit offset",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
			}
		}
	}
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	writer, reader := t.writer, t.reader
	t.writer, t.reader, t.deliver = nil, nil, nil
	t.mu.Unlock()

	var errs []error
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterFactory registers the "kafka" channel factory.
func RegisterFactory() {
	registry.RegisterChannel(registry.ChannelFactory{
		Type:        "kafka",
		Description: "Writes to and reads from Kafka topics",
		Create: func(c registry.Component, deps registry.Deps) (ports.Channel, error) {
			var cfg Config
			if err := c.Decode(&cfg); err != nil {
				return nil, err
			}
			endpoint := ""
			if len(cfg.Brokers) > 0 {
				endpoint = "kafka://" + cfg.Brokers[0]
			}
			return New(cfg, channel.ConfigFrom(c, endpoint, false, deps.Logger))
		},
	})
}
