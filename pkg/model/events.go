package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical event envelope published on the event bus.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Source        string          `json:"source"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	EventSecurityListed   = "security.listed"
	EventSecurityDelisted = "security.delisted"
	EventPipelineDone     = "etl.pipeline.completed"
	EventPipelineFailed   = "etl.pipeline.failed"
	EventLatestRefreshed  = "etl.latest_prices.refreshed"
)

// SecurityChange is the payload of security.listed / security.delisted.
type SecurityChange struct {
	SecurityID string    `json:"security_id"`
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Market     Market    `json:"market"`
	TradeDate  string    `json:"trade_date"`
	At         time.Time `json:"at"`
}
