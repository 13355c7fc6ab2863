package process

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/storage"
)

// Replay folds a process log onto a fresh instance. For any instance and its
// log, the replayed terminal state equals the stored one.
func Replay(processID uuid.UUID, processType, businessKey string, entries []*storage.ProcessLogEntry) (*storage.ProcessInstance, error) {
	inst := &storage.ProcessInstance{
		ProcessID:   processID,
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      storage.ProcessNew,
		Data:        make(map[string]interface{}),
	}

	for _, entry := range entries {
		event, err := DecodeEvent(entry.Event)
		if err != nil {
			return nil, fmt.Errorf("replay stopped at seq %d: %w", entry.Seq, err)
		}
		apply(inst, event)
	}
	return inst, nil
}

func apply(inst *storage.ProcessInstance, event *Event) {
	switch event.Type {
	case EventProcessStarted:
		inst.Status = event.Status
		inst.CurrentStep = event.Step
		inst.Data = copyData(event.Data)
		inst.Retries = 0

	case EventStepStarted:
		inst.Status = event.Status
		inst.CurrentStep = event.Step

	case EventStepCompleted:
		inst.Status = event.Status
		inst.Retries = 0
		mergeData(inst.Data, event.Data)

	case EventStepFailed:
		inst.Status = event.Status
		if event.Retryable != nil && *event.Retryable {
			inst.Retries++
		}

	case EventStepTimedOut:
		inst.Status = event.Status

	case EventCompensationStarted, EventCompensationCompleted, EventCompensationFailed:
		inst.Status = event.Status
		if inst.Status.IsTerminal() {
			inst.CurrentStep = storage.TerminalStep
		}

	case EventProcessCompleted, EventProcessFailed:
		inst.Status = event.Status
		inst.CurrentStep = storage.TerminalStep

	case EventProcessPaused, EventProcessResumed:
		inst.Status = event.Status
	}
}
