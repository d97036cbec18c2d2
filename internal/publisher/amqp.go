package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// amqpChannel is the subset of *amqp.Channel used for publishing.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a RabbitMQ topic exchange; the routing key is the subject.
type AMQP struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	service  string
	logger   *zap.Logger
}

// NewAMQP dials url and declares a durable topic exchange.
func NewAMQP(url, exchange, service string, logger *zap.Logger) (*AMQP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQP{conn: conn, channel: channel, exchange: exchange, service: service, logger: logger}, nil
}

func (p *AMQP) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	return p.publish(ctx, subject, body, amqp.Table{
		"event_type":     env.EventType,
		"correlation_id": env.CorrelationID.String(),
		"service":        p.service,
	}, env.ID.String())
}

func (p *AMQP) Publish(ctx context.Context, subject string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	return p.publish(ctx, subject, body, amqp.Table{"service": p.service}, "")
}

func (p *AMQP) publish(ctx context.Context, key string, body []byte, headers amqp.Table, messageID string) error {
	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("publisher.amqp_publish_failed", zap.String("routing_key", key), zap.Error(err))
		metrics.IncEvent(key, "error")
		return err
	}
	metrics.IncEvent(key, "ok")
	return nil
}

func (p *AMQP) HealthCheck(context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the publisher
func (p *AMQP) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
