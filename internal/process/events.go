package process

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/internal/storage"
)

// EventType discriminates the process event union.
type EventType string

const (
	EventProcessStarted        EventType = "ProcessStarted"
	EventStepStarted           EventType = "StepStarted"
	EventStepCompleted         EventType = "StepCompleted"
	EventStepFailed            EventType = "StepFailed"
	EventStepTimedOut          EventType = "StepTimedOut"
	EventCompensationStarted   EventType = "CompensationStarted"
	EventCompensationCompleted EventType = "CompensationCompleted"
	EventCompensationFailed    EventType = "CompensationFailed"
	EventProcessCompleted      EventType = "ProcessCompleted"
	EventProcessFailed         EventType = "ProcessFailed"
	EventProcessPaused         EventType = "ProcessPaused"
	EventProcessResumed        EventType = "ProcessResumed"
)

var knownEventTypes = map[EventType]bool{
	EventProcessStarted: true, EventStepStarted: true, EventStepCompleted: true,
	EventStepFailed: true, EventStepTimedOut: true, EventCompensationStarted: true,
	EventCompensationCompleted: true, EventCompensationFailed: true,
	EventProcessCompleted: true, EventProcessFailed: true,
	EventProcessPaused: true, EventProcessResumed: true,
}

// Event is the tagged variant stored in the process log. Status records the
// post-transition status so the log replays deterministically; Step names
// the step the event is about (for StepCompleted, the step that completed);
// Data carries the patch merged by the transition, not the whole map.
type Event struct {
	Type      EventType              `json:"type"`
	Step      string                 `json:"step,omitempty"`
	CommandID string                 `json:"commandId,omitempty"`
	Status    storage.ProcessStatus  `json:"status"`
	Retryable *bool                  `json:"retryable,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	At        time.Time              `json:"at"`
}

// Encode serializes the event for the process log.
func (e *Event) Encode() ([]byte, error) {
	if !knownEventTypes[e.Type] {
		return nil, fmt.Errorf("unknown process event type %q", e.Type)
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode process event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a process log entry payload.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode process event: %w", err)
	}
	if !knownEventTypes[e.Type] {
		return nil, fmt.Errorf("unknown process event type %q", e.Type)
	}
	return &e, nil
}

func boolPtr(b bool) *bool { return &b }
