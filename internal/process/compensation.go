package process

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/storage"
)

// enterCompensation flips the instance to COMPENSATING, builds the queue of
// forward steps to unwind and issues the first compensation command.
//
// The queue is ordered by reverse completion order from the log seq. Each
// completion, parallel branches included, is its own log entry with its own
// seq; equal seqs would break ties lexicographically by step name.
func (m *Manager) enterCompensation(ctx context.Context, inst *storage.ProcessInstance, failureEvent []byte) error {
	graph, err := m.Graph(inst.ProcessType)
	if err != nil {
		return err
	}

	queue, err := m.compensationQueue(ctx, inst, graph)
	if err != nil {
		return err
	}

	inst.Status = storage.ProcessCompensating
	setCompensationQueue(inst, queue)

	if err := m.updateInstance(ctx, inst, failureEvent); err != nil {
		return err
	}

	m.log.Info("Entering compensation",
		zap.String("process_id", inst.ProcessID.String()),
		zap.Int("steps", len(queue)),
	)

	if len(queue) == 0 {
		return m.finishCompensated(ctx, inst, "", "")
	}
	return m.issueCompensation(ctx, inst, graph, queue[0])
}

// compensationQueue lists completed forward steps with a compensation
// mapping, most recently completed first.
func (m *Manager) compensationQueue(ctx context.Context, inst *storage.ProcessInstance, graph *Graph) ([]string, error) {
	entries, err := m.store.Processes().Log(ctx, inst.ProcessID, 10000)
	if err != nil {
		return nil, fmt.Errorf("failed to read process log for compensation: %w", err)
	}

	type completion struct {
		step string
		seq  int64
	}
	var completions []completion
	seen := make(map[string]bool)
	for _, entry := range entries {
		event, err := DecodeEvent(entry.Event)
		if err != nil {
			continue
		}
		if event.Type != EventStepCompleted || event.Step == "" {
			continue
		}
		if seen[event.Step] {
			continue
		}
		seen[event.Step] = true
		completions = append(completions, completion{step: event.Step, seq: entry.Seq})
	}

	sort.Slice(completions, func(i, j int) bool {
		if completions[i].seq != completions[j].seq {
			return completions[i].seq > completions[j].seq
		}
		return completions[i].step < completions[j].step
	})

	var queue []string
	for _, c := range completions {
		if graph.RequiresCompensation(c.step) {
			queue = append(queue, c.step)
		}
	}
	return queue, nil
}

// issueCompensation records CompensationStarted and sends the compensation
// command for the given forward step.
func (m *Manager) issueCompensation(ctx context.Context, inst *storage.ProcessInstance, graph *Graph, forwardStep string) error {
	compStep := graph.CompensationStep(forwardStep)

	event, err := (&Event{
		Type:   EventCompensationStarted,
		Step:   compStep,
		Status: inst.Status,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	payload, err := m.renderPayload(inst, compStep)
	if err != nil {
		return err
	}
	// Compensations are idempotent by contract; the key still scopes one
	// command per compensation step.
	_, err = m.bus.Accept(ctx, bus.AcceptRequest{
		Name:           compStep,
		IdempotencyKey: fmt.Sprintf("%s:compensate:%s", inst.ProcessID, compStep),
		BusinessKey:    inst.BusinessKey,
		Payload:        payload,
		CorrelationID:  inst.ProcessID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to issue compensation %s: %w", compStep, err)
	}
	return nil
}

// handleCompensationCompleted advances the queue; the last completion makes
// the instance COMPENSATED.
func (m *Manager) handleCompensationCompleted(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope) error {
	graph, err := m.Graph(inst.ProcessType)
	if err != nil {
		return err
	}

	queue := compensationQueueOf(inst)
	if len(queue) == 0 || graph.CompensationStep(queue[0]) != reply.Name {
		// A late forward-step reply arriving during compensation carries
		// no work; the branch is already accounted for.
		m.log.Debug("Ignoring non-compensation reply during compensation",
			zap.String("process_id", inst.ProcessID.String()),
			zap.String("step", reply.Name),
		)
		return nil
	}

	queue = queue[1:]
	setCompensationQueue(inst, queue)

	if len(queue) == 0 {
		return m.finishCompensated(ctx, inst, reply.Name, reply.CommandID)
	}

	event, err := (&Event{
		Type:      EventCompensationCompleted,
		Step:      reply.Name,
		CommandID: reply.CommandID,
		Status:    inst.Status,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	return m.issueCompensation(ctx, inst, graph, queue[0])
}

// finishCompensated records the terminal COMPENSATED state, folding the last
// compensation completion into the final update.
func (m *Manager) finishCompensated(ctx context.Context, inst *storage.ProcessInstance, lastStep, commandID string) error {
	inst.Status = storage.ProcessCompensated
	inst.CurrentStep = storage.TerminalStep
	delete(inst.Data, compensationKey)
	delete(inst.Data, parallelKey)

	event, err := (&Event{
		Type:      EventCompensationCompleted,
		Step:      lastStep,
		CommandID: commandID,
		Status:    inst.Status,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	m.metrics.ProcessesCompleted.WithLabelValues(inst.ProcessType, string(inst.Status)).Inc()
	m.log.Info("Process compensated",
		zap.String("process_id", inst.ProcessID.String()),
		zap.String("process_type", inst.ProcessType),
	)
	return nil
}

// handleCompensationFailed marks the process FAILED when the in-flight
// compensation command fails; compensations get no second chance at this
// level, C7 already retried the transient cases. Failures of other steps
// arriving during compensation carry no new work: a sibling parallel branch
// failing after compensation began is already accounted for by the queue,
// so only a reply matching the outstanding compensation step can fail the
// process.
func (m *Manager) handleCompensationFailed(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope) error {
	graph, err := m.Graph(inst.ProcessType)
	if err != nil {
		return err
	}
	queue := compensationQueueOf(inst)
	if len(queue) == 0 || graph.CompensationStep(queue[0]) != reply.Name {
		m.log.Debug("Ignoring non-compensation failure during compensation",
			zap.String("process_id", inst.ProcessID.String()),
			zap.String("step", reply.Name),
		)
		return nil
	}

	inst.Status = storage.ProcessFailed
	inst.CurrentStep = storage.TerminalStep

	event, err := (&Event{
		Type:      EventCompensationFailed,
		Step:      reply.Name,
		CommandID: reply.CommandID,
		Status:    inst.Status,
		Error:     reply.Error,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	m.metrics.ProcessesCompleted.WithLabelValues(inst.ProcessType, string(inst.Status)).Inc()
	m.log.Error("Compensation failed, process failed",
		zap.String("process_id", inst.ProcessID.String()),
		zap.String("step", reply.Name),
		zap.String("error", reply.Error),
	)
	return nil
}

func compensationQueueOf(inst *storage.ProcessInstance) []string {
	raw, _ := inst.Data[compensationKey].([]interface{})
	queue := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			queue = append(queue, s)
		}
	}
	if len(queue) == 0 {
		// Not yet round-tripped through JSON.
		if direct, ok := inst.Data[compensationKey].([]string); ok {
			return direct
		}
	}
	return queue
}

func setCompensationQueue(inst *storage.ProcessInstance, queue []string) {
	generic := make([]interface{}, len(queue))
	for i, s := range queue {
		generic[i] = s
	}
	inst.Data[compensationKey] = generic
}
