// Package temporal implements the sweep engine on Temporal, making the
// verification garbage-collection tick and the unwedging key-claim scan
// durable across process restarts: each sweep runs as a long-lived workflow
// that executes its handler as an activity, sleeps, and continues as new.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"go.matrixcore.dev/core/engine"
	"go.matrixcore.dev/core/telemetry"
)

// iterationsPerRun bounds a sweep workflow's history before it continues as
// new, keeping replay cheap.
const iterationsPerRun = 100

type (
	// Options configures the Temporal engine adapter. Either a pre-configured
	// Client or ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. If nil, the
		// adapter creates a lazy client from ClientOptions with OTEL
		// instrumentation installed automatically.
		Client client.Client

		// ClientOptions describe how to construct the Temporal client when
		// Client is nil. Only connection fields (HostPort, Namespace, ...)
		// need to be set.
		ClientOptions *client.Options

		// TaskQueue is the queue all sweep workflows and activities run on.
		// Required.
		TaskQueue string

		// WorkerOptions are passed directly to Temporal's worker.New
		// constructor.
		WorkerOptions worker.Options

		// DisableTracing skips installing the OTEL tracing interceptor on the
		// client. Tracing is enabled by default.
		DisableTracing bool

		// DisableMetrics skips installing the OTEL metrics handler on the
		// client. Metrics are enabled by default.
		DisableMetrics bool

		// Logger emits engine lifecycle logs. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Engine implements engine.Engine using Temporal as the durable
	// scheduling backend. All methods are safe for concurrent use.
	Engine struct {
		client      client.Client
		closeClient bool
		queue       string
		worker      worker.Worker
		log         telemetry.Logger

		mu      sync.Mutex
		sweeps  map[string]engine.Sweep
		started bool
	}
)

var _ engine.Engine = (*Engine)(nil)

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and TaskQueue is required.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: task queue is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		if !opts.DisableMetrics && clientOpts.MetricsHandler == nil {
			clientOpts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	return &Engine{
		client:      cli,
		closeClient: closeClient,
		queue:       opts.TaskQueue,
		worker:      worker.New(cli, opts.TaskQueue, opts.WorkerOptions),
		log:         log,
		sweeps:      make(map[string]engine.Sweep),
	}, nil
}

// RegisterSweep registers the sweep's workflow and activity with the worker.
func (e *Engine) RegisterSweep(_ context.Context, s engine.Sweep) error {
	if s.Name == "" || s.Handler == nil {
		return errors.New("invalid sweep definition")
	}
	if s.Every <= 0 {
		return fmt.Errorf("sweep %q: interval must be positive", s.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("temporal engine: already started")
	}
	if _, dup := e.sweeps[s.Name]; dup {
		return fmt.Errorf("sweep %q already registered", s.Name)
	}
	e.sweeps[s.Name] = s

	wfName := workflowName(s.Name)
	actName := activityName(s.Name)
	every := s.Every
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = every
	}

	e.worker.RegisterWorkflowWithOptions(func(ctx workflow.Context) error {
		ao := workflow.ActivityOptions{
			StartToCloseTimeout: timeout,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    3,
			},
		}
		ctx = workflow.WithActivityOptions(ctx, ao)
		for i := 0; i < iterationsPerRun; i++ {
			if err := workflow.ExecuteActivity(ctx, actName).Get(ctx, nil); err != nil {
				workflow.GetLogger(ctx).Error("sweep run failed", "sweep", actName, "error", err)
			}
			if err := workflow.Sleep(ctx, every); err != nil {
				return err
			}
		}
		return workflow.NewContinueAsNewError(ctx, wfName)
	}, workflow.RegisterOptions{Name: wfName})

	e.worker.RegisterActivityWithOptions(func(ctx context.Context) error {
		return s.Handler(ctx)
	}, activity.RegisterOptions{Name: actName})

	return nil
}

// Start launches the worker and one workflow execution per registered
// sweep. A workflow id collision with a run left over from a previous
// process is resolved by terminating the stale run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("temporal engine: already started")
	}
	e.started = true
	sweeps := make([]engine.Sweep, 0, len(e.sweeps))
	for _, s := range e.sweeps {
		sweeps = append(sweeps, s)
	}
	e.mu.Unlock()

	if err := e.worker.Start(); err != nil {
		return fmt.Errorf("temporal engine: start worker: %w", err)
	}

	for _, s := range sweeps {
		opts := client.StartWorkflowOptions{
			ID:                    "sweep/" + s.Name,
			TaskQueue:             e.queue,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_TERMINATE_IF_RUNNING,
		}
		if _, err := e.client.ExecuteWorkflow(ctx, opts, workflowName(s.Name)); err != nil {
			return fmt.Errorf("temporal engine: start sweep %q: %w", s.Name, err)
		}
		e.log.Info(ctx, "sweep scheduled", "sweep", s.Name, "every", s.Every.String())
	}
	return nil
}

// Close stops the worker and, when the engine owns it, the client. Sweep
// workflows stay running server-side and are picked up again by the next
// process's worker.
func (e *Engine) Close(_ context.Context) error {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
	return nil
}

func workflowName(sweep string) string { return "sweep/" + sweep }

func activityName(sweep string) string { return "sweep-run/" + sweep }
