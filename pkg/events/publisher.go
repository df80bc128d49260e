// Package events publishes payout lifecycle events to RabbitMQ so downstream
// consumers (affiliate notifications, finance reporting) can follow ledger changes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RoutingKeyPayoutStatus is used for every payout status transition.
const RoutingKeyPayoutStatus = "payout.status_changed"

// PayoutEvent mirrors a payout ledger row after a status change.
type PayoutEvent struct {
	PayoutID          string    `json:"payout_id"`
	AffiliateID       string    `json:"affiliate_id"`
	BillingPeriod     string    `json:"billing_period"`
	Method            string    `json:"method"`
	Status            string    `json:"status"`
	AmountMinorUnits  int64     `json:"amount_minor_units"`
	Currency          string    `json:"currency"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Publisher is implemented by types that can publish payout events.
type Publisher interface {
	PublishPayoutEvent(ctx context.Context, event PayoutEvent) error
	Close()
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct {
	Logger *zap.Logger
}

func (p *NopPublisher) PublishPayoutEvent(ctx context.Context, event PayoutEvent) error {
	if p.Logger != nil {
		p.Logger.Debug("payout event publish skipped", zap.String("payout_id", event.PayoutID), zap.String("status", event.Status))
	}
	return nil
}

func (p *NopPublisher) Close() {}

type brokerChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type brokerConnection interface {
	Channel() (brokerChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (brokerChannel, error) {
	return c.Connection.Channel()
}

// AMQPPublisher publishes JSON events to a durable topic exchange. A closed
// connection is redialed on the next publish.
type AMQPPublisher struct {
	exchange string
	logger   *zap.Logger
	dial     func() (brokerConnection, error)

	mu      sync.Mutex
	conn    brokerConnection
	channel brokerChannel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	dial := func() (brokerConnection, error) {
		conn, err := amqp091.DialConfig(url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
	return newAMQPPublisher(dial, exchange, logger)
}

func newAMQPPublisher(dial func() (brokerConnection, error), exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQPPublisher{exchange: exchange, logger: logger, dial: dial}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect replaces the connection and channel. Callers hold mu except during construction.
func (p *AMQPPublisher) connect() error {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn, p.channel = nil, nil
	}
	conn, err := p.dial()
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	p.conn = conn
	if err := p.openChannel(); err != nil {
		_ = conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

// restore redials when the connection is gone and otherwise reopens the channel.
func (p *AMQPPublisher) restore() error {
	if p.conn == nil || p.conn.IsClosed() {
		p.logger.Warn("amqp connection closed; redialing")
		return p.connect()
	}
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	return p.openChannel()
}

// PublishPayoutEvent publishes the event. On failure it restores the
// connection or channel and retries once.
func (p *AMQPPublisher) PublishPayoutEvent(ctx context.Context, event PayoutEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payout event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.PayoutID + ":" + event.Status,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil {
		if err := p.restore(); err != nil {
			return fmt.Errorf("publish payout event: %w", err)
		}
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKeyPayoutStatus, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("payout event publish failed; reconnecting", zap.String("payout_id", event.PayoutID), zap.Error(err))
	if restoreErr := p.restore(); restoreErr != nil {
		return fmt.Errorf("publish payout event: %w", errors.Join(err, restoreErr))
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, RoutingKeyPayoutStatus, false, false, msg); err != nil {
		return fmt.Errorf("publish payout event: %w", err)
	}
	return nil
}

// Close gracefully closes the channel and connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
