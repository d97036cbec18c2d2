package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/pkg/logger"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// JetStream publishes events to a NATS JetStream stream.
type JetStream struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	service string
}

// NewJetStream enables JetStream on nc and makes sure stream captures subject.*.
func NewJetStream(nc *nats.Conn, stream, subject, service string) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if stream != "" {
		if _, err := js.StreamInfo(stream); err != nil {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:     stream,
				Subjects: []string{subject + ".>"},
			})
			if err != nil {
				logger.S().Warnw("publisher.stream_create_failed", "stream", stream, "error", err)
			}
		}
	}
	return &JetStream{nc: nc, js: js, subject: subject, service: service}, nil
}

// PublishEnvelope serializes and publishes a canonical event envelope.
// An empty subject publishes on the base subject.
func (p *JetStream) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	if subject == "" {
		subject = p.subject
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"source":         []string{env.Source},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"elapsed", time.Since(start),
			"error", err,
		)
		metrics.IncEvent(subject, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
	)
	metrics.IncEvent(subject, "ok")
	return nil
}

// Publish publishes a raw JSON payload.
func (p *JetStream) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"service": []string{p.service}},
	}
	if _, err = p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		metrics.IncEvent(subject, "error")
		return err
	}
	metrics.IncEvent(subject, "ok")
	return nil
}

// HealthCheck flushes the connection to confirm the server is reachable.
func (p *JetStream) HealthCheck(ctx context.Context) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return errors.New("nats disconnected")
	}
	return p.nc.FlushWithContext(ctx)
}

func (p *JetStream) Close() error {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
	return nil
}
