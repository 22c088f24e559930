package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Record header names set on every published event.
const (
	HeaderContentType   = "content-type"
	HeaderEventType     = "event-type"
	HeaderCorrelationID = "correlation-id"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Headers lets consumers route on the event type without decoding the body.
func (e Envelope) Headers() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{{Key: []byte(HeaderEventType), Value: []byte(e.EventType)}}
	if e.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderCorrelationID), Value: []byte(e.CorrelationID)})
	}
	return headers
}
