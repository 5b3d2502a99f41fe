package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

var codec = sonic.ConfigStd

// Envelope is the unit of transport: an opaque JSON payload plus delivery
// metadata. Only RetryCount changes after the envelope is handed to a
// Publisher, and only the Consumer changes it.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	CreatedAt     time.Time       `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
	Payload       json.RawMessage `json:"payload"`
}

// EnvelopeOption configures a new Envelope
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets the correlation id instead of generating one
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithCreatedAt sets the creation timestamp
func WithCreatedAt(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.CreatedAt = t
	}
}

// NewEnvelope wraps payload. Raw JSON ([]byte or json.RawMessage) is used as
// is after validation; anything else is marshalled.
func NewEnvelope(payload any, options ...EnvelopeOption) (*Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return e, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, &MessageValidationError{Field: "payload", Reason: "payload is required"}
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := codec.Marshal(payload)
		if err != nil {
			return nil, &MessageValidationError{Field: "payload", Reason: "payload is not serializable", Err: err}
		}
		return b, nil
	}

	if !codec.Valid(raw) {
		return nil, &MessageValidationError{Field: "payload", Reason: "payload is not valid JSON"}
	}
	return append(json.RawMessage(nil), raw...), nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	body, err := codec.Marshal(e)
	if err != nil {
		return nil, &MessageValidationError{Reason: "envelope is not serializable", Err: err}
	}
	return body, nil
}

// Decode unmarshals the payload into v. A payload that does not fit v is a
// permanent failure.
func (e *Envelope) Decode(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return &MessageValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("payload does not decode into %T", v),
			Err:    err,
		}
	}
	return nil
}

// DecodeEnvelope parses a wire body. Every failure is a *MessageValidationError.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	if len(body) == 0 {
		return nil, &MessageValidationError{Reason: "empty message body"}
	}

	var e Envelope
	if err := codec.Unmarshal(body, &e); err != nil {
		return nil, &MessageValidationError{Reason: "malformed envelope", Err: err}
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	switch {
	case e.CorrelationID == "":
		return &MessageValidationError{Field: "correlationId", Reason: "correlation id is required"}
	case e.CreatedAt.IsZero():
		return &MessageValidationError{Field: "createdAt", Reason: "creation timestamp is required"}
	case e.RetryCount < 0:
		return &MessageValidationError{Field: "retryCount", Reason: fmt.Sprintf("retry count must not be negative, got %d", e.RetryCount)}
	case len(e.Payload) == 0 || string(e.Payload) == "null":
		return &MessageValidationError{Field: "payload", Reason: "payload is required"}
	}
	return nil
}

// redelivery returns a copy with the retry count incremented.
func (e *Envelope) redelivery() *Envelope {
	next := *e
	next.RetryCount++
	return &next
}
