package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// Bus is what pipeline components publish through. JetStream, AMQP and Noop
// implement it.
type Bus interface {
	PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Subject joins the configured base subject and an event type:
// ("evt.etl", "security.listed") -> "evt.etl.security.listed".
func Subject(base, eventType string) string {
	base = strings.TrimSuffix(base, ".")
	if base == "" {
		return eventType
	}
	return base + "." + eventType
}

// NewEnvelope wraps payload in the canonical envelope.
func NewEnvelope(source, eventType string, correlationID uuid.UUID, payload any) (*model.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	return &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		Source:        source,
		Topic:         eventType,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}

// Noop drops every event. Used when EVENT_TRANSPORT=none or the bus is unreachable.
type Noop struct{}

func (Noop) PublishEnvelope(context.Context, string, *model.Envelope) error { return nil }
func (Noop) Publish(context.Context, string, any) error                     { return nil }
func (Noop) Close() error                                                   { return nil }
func (Noop) HealthCheck(context.Context) error                              { return nil }

// CorrelationID derives a stable correlation id from a pipeline task id so
// every event of one run shares it.
func CorrelationID(taskID string) uuid.UUID {
	if taskID == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("krx-etl/"+taskID))
}
