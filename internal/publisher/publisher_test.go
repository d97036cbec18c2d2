package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// mockJetStream records PublishMsg calls; every other JetStreamContext method
// panics through the nil embedded interface.
type mockJetStream struct {
	nats.JetStreamContext
	published []*nats.Msg
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: "mock-stream"}, nil
}

func newTestPublisher(fail bool) (*JetStream, *mockJetStream) {
	js := &mockJetStream{fail: fail}
	return &JetStream{js: js, subject: "evt.etl", service: "krx-etl"}, js
}

func TestPublishEnvelope_Success(t *testing.T) {
	pub, js := newTestPublisher(false)
	corr := uuid.New()
	env, err := NewEnvelope("KRX", model.EventSecurityListed, corr, model.SecurityChange{
		SecurityID: "KRS-AB12CD",
		Symbol:     "TICK2",
		Market:     model.MarketKOSDAQ,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	subject := Subject("evt.etl", model.EventSecurityListed)
	if err := pub.PublishEnvelope(context.Background(), subject, env); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if len(js.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(js.published))
	}
	msg := js.published[0]
	if msg.Subject != "evt.etl.security.listed" {
		t.Errorf("unexpected subject: %s", msg.Subject)
	}
	if msg.Header.Get("event_type") != model.EventSecurityListed {
		t.Errorf("expected header event_type=%s, got %s", model.EventSecurityListed, msg.Header.Get("event_type"))
	}
	if msg.Header.Get("correlation_id") != corr.String() {
		t.Errorf("correlation id header not propagated")
	}

	var parsed model.Envelope
	if err := json.Unmarshal(msg.Data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	var change model.SecurityChange
	if err := json.Unmarshal(parsed.Payload, &change); err != nil {
		t.Fatalf("failed to unmarshal change: %v", err)
	}
	if change.SecurityID != "KRS-AB12CD" {
		t.Errorf("expected security_id=KRS-AB12CD, got %s", change.SecurityID)
	}
}

func TestPublishEnvelope_DefaultsToBaseSubject(t *testing.T) {
	pub, js := newTestPublisher(false)
	env, _ := NewEnvelope("KRX", model.EventPipelineDone, uuid.Nil, map[string]int{"loaded": 1})

	if err := pub.PublishEnvelope(context.Background(), "", env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if js.published[0].Subject != "evt.etl" {
		t.Errorf("expected base subject, got %s", js.published[0].Subject)
	}
	if env.CorrelationID == uuid.Nil {
		t.Error("expected a generated correlation id")
	}
}

func TestPublishEnvelope_Failure(t *testing.T) {
	pub, _ := newTestPublisher(true)
	env := &model.Envelope{ID: uuid.New(), EventType: model.EventPipelineFailed}

	if err := pub.PublishEnvelope(context.Background(), "evt.etl.x", env); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPublish_Raw(t *testing.T) {
	pub, js := newTestPublisher(false)
	if err := pub.Publish(context.Background(), "evt.etl.raw", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(js.published[0].Data) != `{"k":"v"}` {
		t.Errorf("unexpected data: %s", js.published[0].Data)
	}
	if err := pub.Publish(context.Background(), "evt.etl.raw", func() {}); err == nil {
		t.Error("expected marshal error")
	}
}

type fakeChannel struct {
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQP_PublishEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	pub := &AMQP{channel: ch, exchange: "etl", service: "krx-etl"}
	env, _ := NewEnvelope("KRX", model.EventSecurityDelisted, uuid.New(), model.SecurityChange{SecurityID: "KRS-OLD001"})

	if err := pub.PublishEnvelope(context.Background(), "evt.etl.security.delisted", env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.keys) != 1 || ch.keys[0] != "evt.etl.security.delisted" {
		t.Fatalf("unexpected routing keys: %v", ch.keys)
	}
	msg := ch.msgs[0]
	if msg.MessageId != env.ID.String() {
		t.Errorf("expected message id %s, got %s", env.ID, msg.MessageId)
	}
	if msg.Headers["event_type"] != model.EventSecurityDelisted {
		t.Errorf("unexpected event_type header: %v", msg.Headers["event_type"])
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Error("expected persistent delivery")
	}
}

func TestAMQP_PublishFailure(t *testing.T) {
	pub := &AMQP{channel: &fakeChannel{err: errors.New("channel closed")}, exchange: "etl", logger: zap.NewNop()}
	if err := pub.Publish(context.Background(), "evt.etl.raw", 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("evt.etl.", "a.b"); got != "evt.etl.a.b" {
		t.Errorf("got %s", got)
	}
	if got := Subject("", "a.b"); got != "a.b" {
		t.Errorf("got %s", got)
	}
}

func TestNoop(t *testing.T) {
	var b Bus = Noop{}
	if err := b.Publish(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	assert.Error(t, (&AMQP{}).HealthCheck(context.Background()))
	assert.Error(t, (&JetStream{}).HealthCheck(context.Background()))
	assert.NoError(t, Noop{}.HealthCheck(context.Background()))
}
