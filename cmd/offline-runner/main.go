// Offline-runner wires the whole platform against the in-memory store and a
// loopback broker, then drives a command and a full process end to end in
// one process. Useful for demos and smoke checks without infrastructure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/consumer"
	"github.com/flowmesh/flowmesh/internal/domain/payments"
	"github.com/flowmesh/flowmesh/internal/domain/users"
	"github.com/flowmesh/flowmesh/internal/process"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/internal/relay"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/storage/memory"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "offline-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log := logger.NewTestLogger()
	m := metrics.New("flowmesh_offline")
	store := memory.NewStore()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	commandBus := bus.New(store, nil, log, m)

	reg := registry.New(log)
	if err := reg.Discover(
		users.NewHandlers(log),
		payments.NewHandlers(log),
	); err != nil {
		return fmt.Errorf("handler discovery failed: %w", err)
	}

	classifier := consumer.NewClassifier(nil, nil)
	endpoint := consumer.New(consumer.Config{
		HandlerName: "offline-worker",
		Lease:       10 * time.Second,
		MaxRetries:  3,
	}, store, reg, classifier, log, m)

	manager := process.NewManager(process.Config{
		MaxRetries: 3,
		RetryBase:  50 * time.Millisecond,
	}, store, commandBus, log, m)
	defer manager.Stop()
	if err := manager.Register(payments.SimplePayment{}); err != nil {
		return err
	}

	loop := newLoopback(endpoint, process.NewReplyConsumer(manager, log))

	outboxRelay := relay.New(relay.Config{
		SweepInterval:  25 * time.Millisecond,
		BatchSize:      100,
		BaseBackoff:    25 * time.Millisecond,
		MaxBackoff:     time.Second,
		StuckThreshold: 5 * time.Second,
		Claimer:        "offline-runner",
	}, store, loop, loop, log, m)
	go outboxRelay.Start(ctx)

	// Single command round trip
	commandID, err := commandBus.Accept(ctx, bus.AcceptRequest{
		Name:           "CreateUser",
		IdempotencyKey: "offline-create-user",
		BusinessKey:    "user-1",
		Payload:        json.RawMessage(`{"username":"offline","email":"offline@example.com"}`),
	})
	if err != nil {
		return err
	}
	fmt.Println("submitted CreateUser:", commandID)

	if err := waitFor(ctx, func() bool {
		cmd, err := store.Commands().FindByID(ctx, commandID)
		return err == nil && cmd.Status.IsTerminal()
	}); err != nil {
		return fmt.Errorf("command did not finish: %w", err)
	}
	cmd, _ := store.Commands().FindByID(ctx, commandID)
	fmt.Println("CreateUser finished:", cmd.Status)

	// Full process round trip
	processID, err := manager.StartProcess(ctx, "SimplePayment", "payment-1", map[string]interface{}{
		"account":    "ACC-1",
		"amount":     125.50,
		"currency":   "EUR",
		"requiresFx": true,
	})
	if err != nil {
		return err
	}
	fmt.Println("started SimplePayment:", processID)

	if err := waitFor(ctx, func() bool {
		inst, err := store.Processes().FindByID(ctx, processID)
		return err == nil && inst.Status.IsTerminal()
	}); err != nil {
		return fmt.Errorf("process did not finish: %w", err)
	}

	inst, _ := store.Processes().FindByID(ctx, processID)
	fmt.Println("SimplePayment finished:", inst.Status)

	entries, _ := store.Processes().Log(ctx, processID, 1000)
	for _, entry := range entries {
		event, err := process.DecodeEvent(entry.Event)
		if err != nil {
			continue
		}
		fmt.Printf("  %2d %-22s %s\n", entry.Seq, event.Type, event.Step)
	}

	if inst.Status != storage.ProcessSucceeded {
		return fmt.Errorf("expected SUCCEEDED, got %s", inst.Status)
	}
	return nil
}

func waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done() {
				return nil
			}
		}
	}
}
