package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message carried by an envelope.
type Type string

const (
	TypeCommandRequested Type = "CommandRequested"
	TypeCommandCompleted Type = "CommandCompleted"
	TypeCommandFailed    Type = "CommandFailed"
	TypeCommandTimedOut  Type = "CommandTimedOut"
)

// Well-known header keys.
const (
	HeaderReplyTo        = "replyTo"
	HeaderTenantID       = "tenantId"
	HeaderSchemaVersion  = "schemaVersion"
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderParallelBranch = "parallelBranch"
	HeaderTraceID        = "traceId"
	HeaderSpanID         = "spanId"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = "1"

// Envelope is the wire format for every message the platform exchanges.
// Completed replies carry result fields in Payload; Failed and TimedOut
// replies carry Error instead.
type Envelope struct {
	MessageID     string            `json:"messageId"`
	Type          Type              `json:"type"`
	Name          string            `json:"name"`
	CommandID     string            `json:"commandId"`
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId"`
	OccurredAt    time.Time         `json:"occurredAt"`
	Key           *string           `json:"key"`
	Headers       map[string]string `json:"headers"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// New creates an envelope of the given type with a fresh message id.
func New(t Type, name, commandID, correlationID, causationID string, businessKey string, headers map[string]string) *Envelope {
	if headers == nil {
		headers = make(map[string]string)
	}
	if _, ok := headers[HeaderSchemaVersion]; !ok {
		headers[HeaderSchemaVersion] = SchemaVersion
	}
	var key *string
	if businessKey != "" {
		key = &businessKey
	}
	return &Envelope{
		MessageID:     uuid.New().String(),
		Type:          t,
		Name:          name,
		CommandID:     commandID,
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
		Key:           key,
		Headers:       headers,
	}
}

// BusinessKey returns the business key or empty string when absent.
func (e *Envelope) BusinessKey() string {
	if e.Key == nil {
		return ""
	}
	return *e.Key
}

// IsReply reports whether the envelope is a command outcome.
func (e *Envelope) IsReply() bool {
	switch e.Type {
	case TypeCommandCompleted, TypeCommandFailed, TypeCommandTimedOut:
		return true
	}
	return false
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire-form envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("envelope missing messageId")
	}
	switch e.Type {
	case TypeCommandRequested, TypeCommandCompleted, TypeCommandFailed, TypeCommandTimedOut:
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return &e, nil
}
