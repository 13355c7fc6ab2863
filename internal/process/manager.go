// Package process implements the event-sourced orchestration engine: the
// declarative step graph and the manager driving instances through it.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// Data keys owned by the manager. Handlers must not write them.
const (
	parallelKey     = "__parallel__"
	compensationKey = "__compensation__"
)

// Branch states inside the parallel tracking map.
const (
	branchPending   = "PENDING"
	branchCompleted = "COMPLETED"
	branchFailed    = "FAILED"
)

var (
	// ErrUnknownProcessType is returned for an unregistered process type.
	ErrUnknownProcessType = errors.New("process: unknown process type")
	// ErrDuplicateProcessType aborts startup on double registration.
	ErrDuplicateProcessType = errors.New("process: duplicate process type")
)

// Configuration declares one process type. Define fills the builder; the
// manager builds and caches the graph at registration.
type Configuration interface {
	ProcessType() string
	Define(b *Builder) *Builder
}

// PayloadRenderer lets a configuration shape the command payload per step.
// Without it the instance data minus manager-owned keys is sent.
type PayloadRenderer interface {
	RenderPayload(step string, data map[string]interface{}) (json.RawMessage, error)
}

// RetryPolicy lets a configuration override the retry defaults per step.
type RetryPolicy interface {
	IsRetryable(step string, errMessage string) bool
	MaxRetries(step string) int
	RetryDelay(step string, attempt int) time.Duration
}

// TimeoutPolicy marks steps whose timeouts should be retried instead of
// compensated.
type TimeoutPolicy interface {
	RetryOnTimeout(step string) bool
}

// Config holds manager defaults.
type Config struct {
	MaxRetries int
	RetryBase  time.Duration
}

// Manager is the C9 orchestrator: it starts processes, issues step commands
// through the command bus, consumes replies and drives compensation.
type Manager struct {
	cfg     Config
	store   storage.Store
	bus     bus.Bus
	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.RWMutex
	graphs  map[string]*Graph
	configs map[string]Configuration

	// lifecycle context bounds retry sleeps so shutdown interrupts them
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a process manager.
func NewManager(cfg Config, store storage.Store, commandBus bus.Bus, log *logger.Logger, m *metrics.Metrics) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		store:   store,
		bus:     commandBus,
		log:     log,
		metrics: m,
		tracer:  otel.GetTracerProvider().Tracer("process-manager"),
		graphs:  make(map[string]*Graph),
		configs: make(map[string]Configuration),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// Register builds and caches the graph for a configuration. Duplicate
// process types fail startup.
func (m *Manager) Register(cfg Configuration) error {
	processType := cfg.ProcessType()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.graphs[processType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProcessType, processType)
	}

	graph, err := cfg.Define(NewBuilder(processType)).Build()
	if err != nil {
		return fmt.Errorf("failed to build graph for %s: %w", processType, err)
	}

	m.graphs[processType] = graph
	m.configs[processType] = cfg
	m.log.Info("Registered process type", zap.String("process_type", processType))
	return nil
}

// Graph returns the cached graph for a process type.
func (m *Manager) Graph(processType string) (*Graph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[processType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessType, processType)
	}
	return g, nil
}

// Stop interrupts pending retry sleeps and waits for them.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// StartProcess creates a RUNNING instance at the graph's initial step and
// issues the first command.
func (m *Manager) StartProcess(ctx context.Context, processType, businessKey string, initialData map[string]interface{}) (uuid.UUID, error) {
	ctx, span := m.tracer.Start(ctx, "process.start",
		trace.WithAttributes(
			attribute.String("process.type", processType),
			attribute.String("process.business_key", businessKey),
		),
	)
	defer span.End()

	graph, err := m.Graph(processType)
	if err != nil {
		return uuid.Nil, err
	}

	inst := &storage.ProcessInstance{
		ProcessID:   uuid.New(),
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      storage.ProcessRunning,
		CurrentStep: graph.InitialStep(),
		Data:        copyData(initialData),
	}

	event, err := (&Event{
		Type:   EventProcessStarted,
		Step:   inst.CurrentStep,
		Status: inst.Status,
		Data:   initialData,
	}).Encode()
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.Processes().Insert(ctx, inst, event)
	}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert process instance: %w", err)
	}

	m.metrics.ProcessesStarted.WithLabelValues(processType).Inc()
	m.log.Info("Process started",
		zap.String("process_id", inst.ProcessID.String()),
		zap.String("process_type", processType),
		zap.String("step", inst.CurrentStep),
	)

	if err := m.ExecuteStep(ctx, inst); err != nil {
		return inst.ProcessID, err
	}
	return inst.ProcessID, nil
}

// ExecuteStep issues the command(s) for the instance's current step. For a
// parallel fan-out it seeds branch tracking, moves to the join step and
// issues one command per branch.
func (m *Manager) ExecuteStep(ctx context.Context, inst *storage.ProcessInstance) error {
	if inst.Status != storage.ProcessRunning {
		// PAUSED (or terminal) instances do not issue work.
		return nil
	}

	graph, err := m.Graph(inst.ProcessType)
	if err != nil {
		return err
	}

	if graph.IsParallel(inst.CurrentStep) {
		return m.executeParallel(ctx, graph, inst)
	}
	return m.executeSequential(ctx, inst)
}

func (m *Manager) executeSequential(ctx context.Context, inst *storage.ProcessInstance) error {
	step := inst.CurrentStep

	event, err := (&Event{
		Type:   EventStepStarted,
		Step:   step,
		Status: inst.Status,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	return m.issueCommand(ctx, inst, step, inst.Retries, nil)
}

func (m *Manager) executeParallel(ctx context.Context, graph *Graph, inst *storage.ProcessInstance) error {
	fan := inst.CurrentStep
	branches := graph.ParallelBranches(fan)
	join := graph.JoinStep(fan)

	tracking := make(map[string]interface{}, len(branches))
	for _, b := range branches {
		tracking[b] = branchPending
	}
	inst.Data[parallelKey] = tracking
	inst.CurrentStep = join

	event, err := (&Event{
		Type:   EventStepStarted,
		Step:   join,
		Status: inst.Status,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	for _, branch := range branches {
		branchEvent, err := (&Event{
			Type:   EventStepStarted,
			Step:   branch,
			Status: inst.Status,
		}).Encode()
		if err != nil {
			return err
		}
		if err := m.updateInstance(ctx, inst, branchEvent); err != nil {
			return err
		}
		headers := map[string]string{envelope.HeaderParallelBranch: branch}
		if err := m.issueCommand(ctx, inst, branch, 0, headers); err != nil {
			return err
		}
	}
	return nil
}

// issueCommand sends one step command through the bus. The idempotency key
// is scoped to the attempt so a retry emits fresh work while replays of the
// same attempt collapse onto the original command.
func (m *Manager) issueCommand(ctx context.Context, inst *storage.ProcessInstance, step string, attempt int, extraHeaders map[string]string) error {
	payload, err := m.renderPayload(inst, step)
	if err != nil {
		return err
	}

	headers := map[string]string{}
	for k, v := range extraHeaders {
		headers[k] = v
	}

	_, err = m.bus.Accept(ctx, bus.AcceptRequest{
		Name:           step,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", inst.ProcessID, step, attempt),
		BusinessKey:    inst.BusinessKey,
		Payload:        payload,
		Headers:        headers,
		CorrelationID:  inst.ProcessID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to issue command for step %s: %w", step, err)
	}
	return nil
}

func (m *Manager) renderPayload(inst *storage.ProcessInstance, step string) (json.RawMessage, error) {
	m.mu.RLock()
	cfg := m.configs[inst.ProcessType]
	m.mu.RUnlock()

	if renderer, ok := cfg.(PayloadRenderer); ok {
		return renderer.RenderPayload(step, inst.Data)
	}

	visible := make(map[string]interface{}, len(inst.Data))
	for k, v := range inst.Data {
		if strings.HasPrefix(k, "__") {
			continue
		}
		visible[k] = v
	}
	payload, err := json.Marshal(visible)
	if err != nil {
		return nil, fmt.Errorf("failed to render payload for step %s: %w", step, err)
	}
	return payload, nil
}

// HandleReply applies one command outcome to its process instance. Replies
// are applied serially per process id by the keyed reply partition.
func (m *Manager) HandleReply(ctx context.Context, reply *envelope.Envelope) error {
	ctx, span := m.tracer.Start(ctx, "process.handle_reply",
		trace.WithAttributes(
			attribute.String("reply.type", string(reply.Type)),
			attribute.String("reply.correlation_id", reply.CorrelationID),
			attribute.String("reply.step", reply.Name),
		),
	)
	defer span.End()

	processID, err := uuid.Parse(reply.CorrelationID)
	if err != nil {
		m.log.Warn("Reply with unparsable correlation id",
			zap.String("correlation_id", reply.CorrelationID))
		return nil
	}

	inst, err := m.store.Processes().FindByID(ctx, processID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("Reply for unknown process instance",
				zap.String("process_id", processID.String()),
				zap.String("step", reply.Name),
			)
			return nil
		}
		return fmt.Errorf("failed to load process instance: %w", err)
	}

	if inst.Status.IsTerminal() {
		m.log.Debug("Reply for terminal process ignored",
			zap.String("process_id", processID.String()),
			zap.String("step", reply.Name),
		)
		return nil
	}

	switch reply.Type {
	case envelope.TypeCommandCompleted:
		return m.handleCompleted(ctx, inst, reply)
	case envelope.TypeCommandFailed:
		return m.handleFailed(ctx, inst, reply, false)
	case envelope.TypeCommandTimedOut:
		return m.handleTimedOut(ctx, inst, reply)
	default:
		m.log.Warn("Unexpected reply type", zap.String("type", string(reply.Type)))
		return nil
	}
}

func (m *Manager) handleCompleted(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope) error {
	step := reply.Name

	if inst.Status == storage.ProcessCompensating {
		return m.handleCompensationCompleted(ctx, inst, reply)
	}

	patch := decodePatch(reply.Payload)
	mergeData(inst.Data, patch)

	// Branch replies carry the parallelBranch header while the set is live.
	if branch, ok := reply.Headers[envelope.HeaderParallelBranch]; ok {
		tracking := parallelTracking(inst)
		if tracking == nil {
			// Late duplicate after the set dissolved; nothing to advance.
			m.log.Debug("Branch reply without active parallel set",
				zap.String("process_id", inst.ProcessID.String()),
				zap.String("branch", branch),
			)
			return nil
		}
		return m.handleBranchCompleted(ctx, inst, reply, branch, patch, tracking)
	}

	graph, err := m.Graph(inst.ProcessType)
	if err != nil {
		return err
	}

	inst.Retries = 0
	next, ok := graph.NextStep(inst.CurrentStep, inst.Data)
	if !ok {
		return m.complete(ctx, inst, step, patch, reply.CommandID)
	}

	inst.CurrentStep = next
	event, err := (&Event{
		Type:      EventStepCompleted,
		Step:      step,
		CommandID: reply.CommandID,
		Status:    inst.Status,
		Data:      patch,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	return m.ExecuteStep(ctx, inst)
}

func (m *Manager) handleBranchCompleted(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope, branch string, patch map[string]interface{}, tracking map[string]interface{}) error {
	tracking[branch] = branchCompleted

	failed := false
	allDone := true
	for _, state := range tracking {
		switch state {
		case branchFailed:
			failed = true
		case branchPending:
			allDone = false
		}
	}

	event, err := (&Event{
		Type:      EventStepCompleted,
		Step:      branch,
		CommandID: reply.CommandID,
		Status:    inst.Status,
		Data:      patch,
	}).Encode()
	if err != nil {
		return err
	}

	if failed && allDone {
		// The last straggler arrived after a sibling failed; compensation
		// has already been entered by the failure path.
		return m.updateInstance(ctx, inst, event)
	}

	if !allDone {
		return m.updateInstance(ctx, inst, event)
	}

	// All branches completed: proceed from the join step.
	delete(inst.Data, parallelKey)
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}
	return m.ExecuteStep(ctx, inst)
}

func (m *Manager) handleFailed(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope, timedOut bool) error {
	step := reply.Name

	if inst.Status == storage.ProcessCompensating {
		return m.handleCompensationFailed(ctx, inst, reply)
	}

	retryable := !timedOut && m.isRetryable(inst.ProcessType, step, reply.Error)
	maxRetries := m.maxRetries(inst.ProcessType, step)

	if retryable && inst.Retries < maxRetries {
		// A retrying branch stays PENDING in the tracking map.
		return m.retryStep(ctx, inst, reply)
	}

	if branch, ok := reply.Headers[envelope.HeaderParallelBranch]; ok {
		if tracking := parallelTracking(inst); tracking != nil {
			tracking[branch] = branchFailed
		}
	}

	eventType := EventStepFailed
	if timedOut {
		eventType = EventStepTimedOut
	}
	event, err := (&Event{
		Type:      eventType,
		Step:      step,
		CommandID: reply.CommandID,
		Status:    storage.ProcessCompensating,
		Retryable: boolPtr(false),
		Error:     reply.Error,
	}).Encode()
	if err != nil {
		return err
	}

	return m.enterCompensation(ctx, inst, event)
}

func (m *Manager) handleTimedOut(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope) error {
	m.mu.RLock()
	cfg := m.configs[inst.ProcessType]
	m.mu.RUnlock()
	if policy, ok := cfg.(TimeoutPolicy); ok && policy.RetryOnTimeout(reply.Name) {
		return m.handleFailed(ctx, inst, reply, false)
	}
	return m.handleFailed(ctx, inst, reply, true)
}

func (m *Manager) retryStep(ctx context.Context, inst *storage.ProcessInstance, reply *envelope.Envelope) error {
	step := reply.Name
	inst.Retries++
	attempt := inst.Retries

	event, err := (&Event{
		Type:      EventStepFailed,
		Step:      step,
		CommandID: reply.CommandID,
		Status:    inst.Status,
		Retryable: boolPtr(true),
		Error:     reply.Error,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}

	delay := m.retryDelay(inst.ProcessType, step, attempt)
	m.metrics.ProcessStepRetries.Inc()
	m.log.Warn("Step failed, retrying",
		zap.String("process_id", inst.ProcessID.String()),
		zap.String("step", step),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("error", reply.Error),
	)

	branch, isBranch := reply.Headers[envelope.HeaderParallelBranch]

	// The sleep happens outside any transaction and respects shutdown.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.rootCtx.Done():
			return
		case <-time.After(delay):
		}

		var headers map[string]string
		if isBranch {
			headers = map[string]string{envelope.HeaderParallelBranch: branch}
		}
		if err := m.issueCommand(m.rootCtx, inst, step, attempt, headers); err != nil {
			m.log.Error("Failed to re-issue step",
				zap.String("process_id", inst.ProcessID.String()),
				zap.String("step", step),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (m *Manager) complete(ctx context.Context, inst *storage.ProcessInstance, lastStep string, patch map[string]interface{}, commandID string) error {
	completedEvent, err := (&Event{
		Type:      EventStepCompleted,
		Step:      lastStep,
		CommandID: commandID,
		Status:    inst.Status,
		Data:      patch,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, completedEvent); err != nil {
		return err
	}

	inst.Status = storage.ProcessSucceeded
	inst.CurrentStep = storage.TerminalStep
	finalEvent, err := (&Event{
		Type:   EventProcessCompleted,
		Status: inst.Status,
	}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, finalEvent); err != nil {
		return err
	}

	m.metrics.ProcessesCompleted.WithLabelValues(inst.ProcessType, string(inst.Status)).Inc()
	m.log.Info("Process completed",
		zap.String("process_id", inst.ProcessID.String()),
		zap.String("process_type", inst.ProcessType),
	)
	return nil
}

// Pause suspends step issuance for a RUNNING instance.
func (m *Manager) Pause(ctx context.Context, processID uuid.UUID) error {
	inst, err := m.store.Processes().FindByID(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != storage.ProcessRunning {
		return fmt.Errorf("process %s is %s, only RUNNING can pause", processID, inst.Status)
	}
	inst.Status = storage.ProcessPaused
	event, err := (&Event{Type: EventProcessPaused, Status: inst.Status, Step: inst.CurrentStep}).Encode()
	if err != nil {
		return err
	}
	return m.updateInstance(ctx, inst, event)
}

// Resume returns a PAUSED instance to RUNNING and re-executes its current
// step; attempt-scoped idempotency keys keep this from double-emitting work.
func (m *Manager) Resume(ctx context.Context, processID uuid.UUID) error {
	inst, err := m.store.Processes().FindByID(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != storage.ProcessPaused {
		return fmt.Errorf("process %s is %s, only PAUSED can resume", processID, inst.Status)
	}
	inst.Status = storage.ProcessRunning
	event, err := (&Event{Type: EventProcessResumed, Status: inst.Status, Step: inst.CurrentStep}).Encode()
	if err != nil {
		return err
	}
	if err := m.updateInstance(ctx, inst, event); err != nil {
		return err
	}
	return m.ExecuteStep(ctx, inst)
}

// updateInstance persists the instance with exactly one log event, retrying
// optimistically when a concurrent updater won the log seq.
func (m *Manager) updateInstance(ctx context.Context, inst *storage.ProcessInstance, event []byte) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := m.store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.Processes().Update(ctx, inst, event)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: process %s update kept conflicting", storage.ErrConflict, inst.ProcessID)
}

func (m *Manager) isRetryable(processType, step, errMessage string) bool {
	m.mu.RLock()
	cfg := m.configs[processType]
	m.mu.RUnlock()
	if policy, ok := cfg.(RetryPolicy); ok {
		return policy.IsRetryable(step, errMessage)
	}
	msg := strings.ToLower(errMessage)
	for _, p := range []string{"timeout", "connection", "temporary", "deadlock"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (m *Manager) maxRetries(processType, step string) int {
	m.mu.RLock()
	cfg := m.configs[processType]
	m.mu.RUnlock()
	if policy, ok := cfg.(RetryPolicy); ok {
		if n := policy.MaxRetries(step); n >= 0 {
			return n
		}
	}
	return m.cfg.MaxRetries
}

func (m *Manager) retryDelay(processType, step string, attempt int) time.Duration {
	m.mu.RLock()
	cfg := m.configs[processType]
	m.mu.RUnlock()
	if policy, ok := cfg.(RetryPolicy); ok {
		if d := policy.RetryDelay(step, attempt); d > 0 {
			return d
		}
	}
	d := m.cfg.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// parallelTracking returns the live branch map, nil when no set is active.
func parallelTracking(inst *storage.ProcessInstance) map[string]interface{} {
	tracking, _ := inst.Data[parallelKey].(map[string]interface{})
	if len(tracking) == 0 {
		return nil
	}
	return tracking
}

// decodePatch extracts the result fields from a Completed reply.
func decodePatch(payload json.RawMessage) map[string]interface{} {
	if len(payload) == 0 {
		return nil
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(payload, &patch); err != nil {
		return nil
	}
	return patch
}

// mergeData shallow-merges patch keys over the instance data. Nested maps
// are replaced, not merged; manager-owned keys are protected.
func mergeData(data, patch map[string]interface{}) {
	for k, v := range patch {
		if strings.HasPrefix(k, "__") {
			continue
		}
		data[k] = v
	}
}

func copyData(data map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp
}
