package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter stages.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a handler failure that retrying cannot fix. The consumer
// dead-letters it on the first attempt.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil || e.Err == nil {
		return "dead letter"
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DLQ wraps err as a poison-message failure. A nil err stays nil.
func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the dead-letter topic, both for
// messages a consumer gave up on and for events that failed to publish.
// JSON bodies are embedded as-is; anything else is base64 encoded.
type DeadLetter struct {
	Stage         string          `json:"stage"`
	OriginalTopic string          `json:"original_topic"`
	Partition     *int32          `json:"partition,omitempty"`
	Offset        *int64          `json:"offset,omitempty"`
	Key           string          `json:"key,omitempty"`
	Error         string          `json:"error"`
	Reason        string          `json:"reason,omitempty"`
	Attempts      int             `json:"attempts"`
	Body          json.RawMessage `json:"body,omitempty"`
	BodyBase64    string          `json:"body_base64,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

func consumedDeadLetter(msg *sarama.ConsumerMessage, cause *DLQError, attempts int) DeadLetter {
	partition, offset := msg.Partition, msg.Offset
	dl := DeadLetter{
		Stage:         StageConsume,
		OriginalTopic: msg.Topic,
		Partition:     &partition,
		Offset:        &offset,
		Key:           string(msg.Key),
		Attempts:      attempts,
		FailedAt:      time.Now().UTC(),
	}
	if cause != nil {
		dl.Reason = cause.Reason
		dl.Error = cause.Error()
		if cause.Err != nil {
			dl.Error = cause.Err.Error()
		}
	}
	dl.setBody(msg.Value)
	return dl
}

func publishDeadLetter(topic, key string, value any, err error) DeadLetter {
	dl := DeadLetter{
		Stage:         StagePublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        "publish_failed",
		Attempts:      1,
		FailedAt:      time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if value == nil {
		return dl
	}
	raw, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	dl.setBody(raw)
	return dl
}

func (d *DeadLetter) setBody(raw []byte) {
	switch {
	case len(raw) == 0:
	case json.Valid(raw):
		d.Body = json.RawMessage(raw)
	default:
		d.BodyBase64 = base64.StdEncoding.EncodeToString(raw)
	}
}
