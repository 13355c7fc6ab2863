package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandStatus is the lifecycle status of a command row.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandRunning   CommandStatus = "RUNNING"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimedOut  CommandStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status is final. Terminal states never
// transition back.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandSucceeded, CommandFailed, CommandTimedOut:
		return true
	}
	return false
}

// Command is a durable command acceptance record.
type Command struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	BusinessKey    string          `json:"businessKey,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Status         CommandStatus   `json:"status"`
	Retries        int             `json:"retries"`
	LeaseUntil     *time.Time      `json:"leaseUntil,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// OutboxStatus is the publishing status of an outbox entry.
type OutboxStatus string

const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxClaimed   OutboxStatus = "CLAIMED"
	OutboxSending   OutboxStatus = "SENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxCategory routes an entry to the right broker port.
type OutboxCategory string

const (
	CategoryCommand OutboxCategory = "command"
	CategoryReply   OutboxCategory = "reply"
	CategoryEvent   OutboxCategory = "event"
)

// OutboxEntry is a pending outbound message co-committed with state.
type OutboxEntry struct {
	ID          int64             `json:"id"`
	Category    OutboxCategory    `json:"category"`
	Topic       string            `json:"topic"`
	Key         string            `json:"key,omitempty"`
	Type        string            `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Status      OutboxStatus      `json:"status"`
	Attempts    int               `json:"attempts"`
	NextAt      *time.Time        `json:"nextAt,omitempty"`
	ClaimedBy   string            `json:"claimedBy,omitempty"`
	ClaimedAt   *time.Time        `json:"claimedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	PublishedAt *time.Time        `json:"publishedAt,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
}

// DeadLetter is an immutable parking record for a permanently failed command.
type DeadLetter struct {
	ID           int64           `json:"id"`
	CommandID    uuid.UUID       `json:"commandId"`
	CommandName  string          `json:"commandName"`
	BusinessKey  string          `json:"businessKey,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	FailedStatus string          `json:"failedStatus"`
	ErrorClass   string          `json:"errorClass"`
	ErrorMessage string          `json:"errorMessage"`
	Attempts     int             `json:"attempts"`
	ParkedBy     string          `json:"parkedBy"`
	ParkedAt     time.Time       `json:"parkedAt"`
}

// ProcessStatus is the lifecycle status of a process instance.
type ProcessStatus string

const (
	ProcessNew          ProcessStatus = "NEW"
	ProcessRunning      ProcessStatus = "RUNNING"
	ProcessSucceeded    ProcessStatus = "SUCCEEDED"
	ProcessFailed       ProcessStatus = "FAILED"
	ProcessCompensating ProcessStatus = "COMPENSATING"
	ProcessCompensated  ProcessStatus = "COMPENSATED"
	ProcessPaused       ProcessStatus = "PAUSED"
)

// IsTerminal reports whether the process status is final.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessSucceeded, ProcessFailed, ProcessCompensated:
		return true
	}
	return false
}

// TerminalStep is the distinguished current_step marker for finished processes.
const TerminalStep = "__terminal__"

// ProcessInstance is a long-running orchestration record. Data is
// copy-on-write: updates replace the whole value.
type ProcessInstance struct {
	ProcessID   uuid.UUID              `json:"processId"`
	ProcessType string                 `json:"processType"`
	BusinessKey string                 `json:"businessKey"`
	Status      ProcessStatus          `json:"status"`
	CurrentStep string                 `json:"currentStep"`
	Data        map[string]interface{} `json:"data"`
	Retries     int                    `json:"retries"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Clone returns a deep-enough copy for copy-on-write updates: the Data map
// is copied one level deep per the shallow-merge rule.
func (p *ProcessInstance) Clone() *ProcessInstance {
	cp := *p
	cp.Data = make(map[string]interface{}, len(p.Data))
	for k, v := range p.Data {
		cp.Data[k] = v
	}
	return &cp
}

// ProcessLogEntry is one append-only process event record.
type ProcessLogEntry struct {
	ProcessID uuid.UUID       `json:"processId"`
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`
	Event     json.RawMessage `json:"event"`
}
