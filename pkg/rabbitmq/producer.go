package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	SubscriptionExchange = "subscription_events"

	RoutingSubscriptionCreated   = "subscription.created"
	RoutingSubscriptionPaused    = "subscription.paused"
	RoutingSubscriptionResumed   = "subscription.resumed"
	RoutingSubscriptionCancelled = "subscription.cancelled"
	RoutingSettlementSucceeded   = "subscription.settlement.succeeded"
	RoutingSettlementFailed      = "subscription.settlement.failed"
	// RoutingPaymentFailed goes to the subscription owner once retries are
	// exhausted and the subscription is marked failed.
	RoutingPaymentFailed = "subscription.payment_failed"
)

// SubscriptionEvent is the payload published for lifecycle and settlement events.
type SubscriptionEvent struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	DonorID        uuid.UUID `json:"donor_id"`
	DonorEmail     string    `json:"donor_email,omitempty"`
	Status         string    `json:"status"`
	Amount         string    `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	FailedAttempts int       `json:"failed_attempts,omitempty"`
	Message        string    `json:"message,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishSubscriptionEvent(ctx context.Context, routingKey string, event SubscriptionEvent) error
	Close()
}

type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger *zap.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.Warn("publish skipped", zap.String("mode", "fallback"), zap.String("exchange", exchange), zap.String("routing_key", routingKey))
	}
	return nil
}

func (p *EventProducerFallback) PublishSubscriptionEvent(ctx context.Context, routingKey string, event SubscriptionEvent) error {
	return p.Publish(ctx, SubscriptionExchange, routingKey, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, logger: logger}, nil
}

func (p *EventProducer) declare(exchange string) error {
	return p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// reopen replaces a channel the broker closed after an error.
func (p *EventProducer) reopen(exchange string) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return p.declare(exchange)
}

// Publish declares the topic exchange and publishes body as JSON, reopening
// the channel once if the broker closed it.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.declare(exchange); err != nil {
		p.logger.Warn("exchange declare failed; reopening channel", zap.String("exchange", exchange), zap.Error(err))
		if err := p.reopen(exchange); err != nil {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}
	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.logger.Warn("publish failed; reopening channel", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		if reErr := p.reopen(exchange); reErr != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	return nil
}

func (p *EventProducer) PublishSubscriptionEvent(ctx context.Context, routingKey string, event SubscriptionEvent) error {
	return p.Publish(ctx, SubscriptionExchange, routingKey, event)
}

func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
