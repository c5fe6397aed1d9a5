// Package notify hands queued messages to the push pipeline over NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

var ErrURLRequired = errors.New("nats url is required")

// Config describes the NATS connection
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Notice is what push workers receive. Message bodies never leave the
// realtime layer; workers fetch them through the authenticated API.
type Notice struct {
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
}

// publisher is the slice of *nats.Conn the notifier needs
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSNotifier publishes one Notice per queued envelope on
// "<prefix>.<recipientId>"
type NATSNotifier struct {
	pub    publisher
	prefix string
	logger *zap.Logger
}

// Dial connects to NATS. Reconnects are unlimited so a broker restart never
// needs a process restart.
func Dial(cfg Config, logger *zap.Logger) (*NATSNotifier, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("notify")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return newNATSNotifier(nc, cfg.SubjectPrefix, logger), nil
}

func newNATSNotifier(pub publisher, prefix string, logger *zap.Logger) *NATSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject a recipient's notices are published on
func (n *NATSNotifier) Subject(recipientID string) string {
	return n.prefix + "." + recipientID
}

// NotifyQueued publishes a notice for env. Publishing is fire-and-forget;
// the envelope stays queued whatever happens here.
func (n *NATSNotifier) NotifyQueued(ctx context.Context, env *types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Notice{
		MessageID:   env.ID,
		SenderID:    env.SenderID,
		RecipientID: env.RecipientID,
		Type:        env.Type,
		Timestamp:   env.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	if err := n.pub.Publish(n.Subject(env.RecipientID), data); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	n.logger.Debug("push notice published",
		zap.String("message_id", env.ID), zap.String("recipient_id", env.RecipientID))
	return nil
}

// Close drains pending publishes and closes the connection
func (n *NATSNotifier) Close() error {
	return n.pub.Drain()
}

// Noop drops every notice. Used when no broker is configured.
type Noop struct{}

func (Noop) NotifyQueued(context.Context, *types.Envelope) error { return nil }
