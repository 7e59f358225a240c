// Package dispatcher runs activity attempts on bounded per-queue worker
// pools and reports each attempt's outcome back to the scheduler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/otelhelper"
	"github.com/periscope-dev/engine/pkg/protocol"
	"github.com/periscope-dev/engine/pkg/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutcomeReporter receives the terminal outcome of every dispatched attempt.
// The engine implements it; the dispatcher never interprets outcomes.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, executionID, nodeID string, attempt int, outcome models.Outcome) error
}

// ErrQueueFull is returned when a task queue has no capacity left. The
// scheduler treats it as a retryable dispatch failure.
var ErrQueueFull = errors.New("task queue is full")

// Config sizes the worker pools. Zero values take the defaults.
type Config struct {
	DefaultWorkers  int
	AIWorkers       int
	PriorityWorkers int
	QueueDepth      int
}

func (c Config) withDefaults() Config {
	if c.DefaultWorkers <= 0 {
		c.DefaultWorkers = 8
	}

	if c.AIWorkers <= 0 {
		c.AIWorkers = 2
	}

	if c.PriorityWorkers <= 0 {
		c.PriorityWorkers = 4
	}

	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}

	return c
}

// Dispatcher owns the worker pools. Submit never blocks; a full queue is an
// error the caller handles.
type Dispatcher struct {
	logger   *slog.Logger
	registry *registry.Registry
	reporter OutcomeReporter
	config   Config
	tracer   trace.Tracer

	queues map[string]chan models.ActivityTask

	// running tracks cancel funcs of in-flight attempts per execution so
	// cancellation can stop work that already left the queue.
	runningMu sync.Mutex
	running   map[string]map[string]context.CancelFunc
	cancelled map[string]struct{}

	// dispatched remembers idempotency keys so a recovery replay cannot
	// run the same attempt twice.
	dispatched sync.Map

	wg sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, reg *registry.Registry, reporter OutcomeReporter, config Config) *Dispatcher {
	config = config.withDefaults()

	return &Dispatcher{
		logger:   logger.With("module", "dispatcher"),
		registry: reg,
		reporter: reporter,
		config:   config,
		tracer:   otel.Tracer("periscope.dispatcher"),
		queues: map[string]chan models.ActivityTask{
			models.QueueDefault:  make(chan models.ActivityTask, config.QueueDepth),
			models.QueueAI:       make(chan models.ActivityTask, config.QueueDepth),
			models.QueuePriority: make(chan models.ActivityTask, config.QueueDepth),
		},
		running:   make(map[string]map[string]context.CancelFunc),
		cancelled: make(map[string]struct{}),
	}
}

// SetReporter attaches the outcome reporter after construction. The engine
// and the dispatcher reference each other, so one side wires up late.
// Must be called before Start.
func (d *Dispatcher) SetReporter(reporter OutcomeReporter) {
	d.reporter = reporter
}

// Start launches the worker pools. Workers drain until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	pools := map[string]int{
		models.QueueDefault:  d.config.DefaultWorkers,
		models.QueueAI:       d.config.AIWorkers,
		models.QueuePriority: d.config.PriorityWorkers,
	}

	for queue, workers := range pools {
		for i := 0; i < workers; i++ {
			d.wg.Add(1)

			go d.worker(ctx, queue)
		}
	}

	d.logger.InfoContext(ctx, "Dispatcher started",
		"default_workers", d.config.DefaultWorkers,
		"ai_workers", d.config.AIWorkers,
		"priority_workers", d.config.PriorityWorkers)
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit enqueues one attempt. Attempts whose idempotency key was already
// accepted are dropped silently so recovery replays stay safe.
func (d *Dispatcher) Submit(task models.ActivityTask) error {
	if _, loaded := d.dispatched.LoadOrStore(task.IdempotencyKey(), struct{}{}); loaded {
		return nil
	}

	queue, ok := d.queues[task.Queue]
	if !ok {
		queue = d.queues[models.QueueDefault]
	}

	select {
	case queue <- task:
		return nil
	default:
		d.dispatched.Delete(task.IdempotencyKey())

		return fmt.Errorf("%w: %s", ErrQueueFull, task.Queue)
	}
}

// CancelExecution stops in-flight attempts of one execution. Queued tasks
// of the execution are dropped when a worker picks them up.
func (d *Dispatcher) CancelExecution(executionID string) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	for _, cancel := range d.running[executionID] {
		cancel()
	}

	d.cancelled[executionID] = struct{}{}
}

// Release forgets cancellation state of a terminal execution.
func (d *Dispatcher) Release(executionID string) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	delete(d.cancelled, executionID)
}

func (d *Dispatcher) isCancelled(executionID string) bool {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	_, ok := d.cancelled[executionID]

	return ok
}

func (d *Dispatcher) worker(ctx context.Context, queue string) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queues[queue]:
			d.runTask(ctx, task)
		}
	}
}

func (d *Dispatcher) runTask(ctx context.Context, task models.ActivityTask) {
	logger := d.logger.With(
		"execution_id", task.ExecutionID,
		"node_id", task.NodeID,
		"kind", task.Kind,
		"attempt", task.Attempt,
	)

	if d.isCancelled(task.ExecutionID) {
		logger.InfoContext(ctx, "Dropping task of cancelled execution")

		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = models.DefaultActivityTimeout
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.track(task, cancel)
	defer d.untrack(task)

	taskCtx, span := otelhelper.StartSpan(taskCtx, d.tracer, "dispatcher.execute_activity",
		attribute.String(otelhelper.ExecutionIDKey, task.ExecutionID),
		attribute.String(otelhelper.NodeIDKey, task.NodeID),
		attribute.String(otelhelper.ActivityKindKey, task.Kind),
		attribute.Int(otelhelper.AttemptKey, task.Attempt),
	)
	defer span.End()

	started := time.Now()

	outcome := d.execute(taskCtx, task, logger)

	if outcome.Kind != models.OutcomeSucceeded {
		otelhelper.SetError(span, errors.New(outcome.Error))
	}

	logger.InfoContext(ctx, "Activity attempt finished",
		"outcome", outcome.Kind,
		"duration_ms", time.Since(started).Milliseconds())

	err := d.reporter.ReportOutcome(ctx, task.ExecutionID, task.NodeID, task.Attempt, outcome)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to report outcome", "error", err)
	}
}

func (d *Dispatcher) execute(ctx context.Context, task models.ActivityTask, logger *slog.Logger) models.Outcome {
	activity, err := d.registry.CreateActivity(task.Kind, task.Config)
	if err != nil {
		return models.Outcome{
			Kind:      models.OutcomeFailed,
			Error:     err.Error(),
			Retryable: false,
		}
	}

	result, err := activity.Execute(ctx, task, logger)
	if err == nil {
		return models.Outcome{
			Kind:   models.OutcomeSucceeded,
			Result: result,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.Outcome{
			Kind:      models.OutcomeTimedOut,
			Error:     "start-to-close timeout exceeded",
			Retryable: true,
		}
	}

	return models.Outcome{
		Kind:      models.OutcomeFailed,
		Error:     err.Error(),
		Retryable: !protocol.IsTerminal(err),
	}
}

func (d *Dispatcher) track(task models.ActivityTask, cancel context.CancelFunc) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running[task.ExecutionID] == nil {
		d.running[task.ExecutionID] = make(map[string]context.CancelFunc)
	}

	d.running[task.ExecutionID][task.IdempotencyKey()] = cancel
}

func (d *Dispatcher) untrack(task models.ActivityTask) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	delete(d.running[task.ExecutionID], task.IdempotencyKey())

	if len(d.running[task.ExecutionID]) == 0 {
		delete(d.running, task.ExecutionID)
	}
}
