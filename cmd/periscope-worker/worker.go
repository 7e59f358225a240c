package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/periscope-dev/engine/pkg/dispatcher"
	"github.com/periscope-dev/engine/pkg/engine"
	"github.com/periscope-dev/engine/pkg/engine/lease"
	"github.com/periscope-dev/engine/pkg/eventbus"
	"github.com/periscope-dev/engine/pkg/events"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/registry"
	"github.com/periscope-dev/engine/pkg/timers"
)

// Worker runs the scheduler node: it consumes execution commands from the
// bus, executes activities through the in-process dispatcher, sweeps due
// timers, and recovers in-flight executions on boot.
type Worker struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *engine.Engine
	dispatcher  *dispatcher.Dispatcher
	sweep       *timers.Sweep
}

func NewWorker(
	id string,
	logger *slog.Logger,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	reg *registry.Registry,
	leases lease.Manager,
) *Worker {
	disp := dispatcher.NewDispatcher(logger, reg, nil, dispatcher.Config{})
	eng := engine.NewEngine(logger, persist, disp, leases, reg, eventBus, id)
	disp.SetReporter(eng)

	return &Worker{
		id:          id,
		logger:      logger,
		persistence: persist,
		eventBus:    eventBus,
		engine:      eng,
		dispatcher:  disp,
		sweep:       timers.NewSweep(logger, persist.Timers(), eng),
	}
}

// Start runs the worker until SIGINT or SIGTERM.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.dispatcher.Start(ctx)

	err := w.engine.Recover(ctx)
	if err != nil {
		return err
	}

	err = w.sweep.Start(ctx)
	if err != nil {
		return err
	}

	err = w.subscribe(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker")
	cancel()

	err = w.sweep.Stop(context.Background())
	if err != nil {
		w.logger.Error("Failed to stop timer sweep", "error", err)
	}

	w.dispatcher.Wait()

	return nil
}

func (w *Worker) subscribe(ctx context.Context) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.ExecutionStartRequestedEvent: w.handleStartRequested,
		events.SignalDeliveredEvent:         w.handleSignalDelivered,
		events.CancellationRequestedEvent:   w.handleCancellationRequested,
		events.ActivityOutcomeReportedEvent: w.handleOutcomeReported,
	}

	for eventType, handler := range handlers {
		err := w.eventBus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	return w.eventBus.Subscribe(ctx, events.CommandTopic)
}

func (w *Worker) handleStartRequested(ctx context.Context, event any) error {
	cmd, ok := event.(*events.ExecutionStartRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionStartRequested")

		return nil
	}

	_, err := w.engine.StartExecution(ctx, cmd.ExecutionID, cmd.DefinitionID, cmd.Version, cmd.Inputs, cmd.Initiator)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to start execution",
			"execution_id", cmd.ExecutionID, "definition_id", cmd.DefinitionID, "error", err)
	}

	return nil
}

func (w *Worker) handleSignalDelivered(ctx context.Context, event any) error {
	cmd, ok := event.(*events.SignalDelivered)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for SignalDelivered")

		return nil
	}

	err := w.engine.Signal(ctx, cmd.ExecutionID, cmd.Name, cmd.Payload)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to deliver signal",
			"execution_id", cmd.ExecutionID, "signal", cmd.Name, "error", err)
	}

	return nil
}

func (w *Worker) handleCancellationRequested(ctx context.Context, event any) error {
	cmd, ok := event.(*events.CancellationRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for CancellationRequested")

		return nil
	}

	err := w.engine.Cancel(ctx, cmd.ExecutionID, cmd.Reason, cmd.RequestedBy)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to cancel execution",
			"execution_id", cmd.ExecutionID, "error", err)
	}

	return nil
}

func (w *Worker) handleOutcomeReported(ctx context.Context, event any) error {
	cmd, ok := event.(*events.ActivityOutcomeReported)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ActivityOutcomeReported")

		return nil
	}

	err := w.engine.ReportOutcome(ctx, cmd.ExecutionID, cmd.NodeID, cmd.Attempt, cmd.Outcome)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to apply activity outcome",
			"execution_id", cmd.ExecutionID, "node_id", cmd.NodeID, "error", err)
	}

	return nil
}
