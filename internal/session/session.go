// Package session implements the provisioning lifecycle for a
// single-tenant VPN instance: at most one active instance exists at a
// time, callers poll an operation until it reaches a terminal state,
// and instances are torn down on request or when their TTL expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/wgvm/internal/provider"
	"github.com/terrpan/wgvm/internal/wgconf"
)

// Status is the client-facing state of a provisioning operation.
// Provider states collapse into these four values; anything the
// provider reports that is neither terminal nor Creating surfaces as
// InProgress with the raw state in Progress.
type Status string

const (
	StatusCreating   Status = "Creating"
	StatusInProgress Status = "InProgress"
	StatusSucceeded  Status = "Succeeded"
	StatusFailed     Status = "Failed"
)

// Result carries the connection material of a successfully provisioned
// instance. ClientConfig may be empty when the instance is up but the
// config file could not be read yet; callers should poll again.
type Result struct {
	PublicAddress string `json:"publicAddress,omitempty"`
	ClientConfig  string `json:"clientConfig,omitempty"`
}

// Operation is a point-in-time snapshot of a provisioning operation.
type Operation struct {
	ID       string  `json:"operationId"`
	Status   Status  `json:"status"`
	Progress string  `json:"progress,omitempty"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// StartResult is what GetOrCreate hands back. IsExisting tells the
// caller whether an already-active instance was reused instead of a
// new one being created.
type StartResult struct {
	OperationID   string `json:"operationId"`
	Status        Status `json:"status"`
	IsExisting    bool   `json:"isExisting"`
	PublicAddress string `json:"publicAddress,omitempty"`
	ClientConfig  string `json:"clientConfig,omitempty"`
}

// Config holds the parameters the Manager needs.
type Config struct {
	Provider       provider.Provider
	Logger         *slog.Logger
	TTL            time.Duration // auto-teardown deadline for created instances
	CommandTimeout time.Duration // budget for remote config reads
	Clock          func() time.Time
}

// Manager owns the session lifecycle. It is safe for concurrent use.
type Manager struct {
	provider       provider.Provider
	logger         *slog.Logger
	ttl            time.Duration
	commandTimeout time.Duration
	clock          func() time.Time

	mu     sync.Mutex
	timers map[string]context.CancelFunc // instance name -> TTL cancel

	shutdown       context.Context
	cancelShutdown context.CancelFunc
	wg             sync.WaitGroup

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	sessionsCreated metric.Int64Counter
	sessionsReused  metric.Int64Counter
	teardowns       metric.Int64Counter
	configFailures  metric.Int64Counter
	createDuration  metric.Float64Histogram
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	shutdown, cancel := context.WithCancel(context.Background())

	m := &Manager{
		provider:       cfg.Provider,
		logger:         cfg.Logger,
		ttl:            cfg.TTL,
		commandTimeout: cfg.CommandTimeout,
		clock:          cfg.Clock,
		timers:         make(map[string]context.CancelFunc),
		shutdown:       shutdown,
		cancelShutdown: cancel,
		tracer:         otel.Tracer("wgvm/session"),
		meter:          otel.Meter("wgvm/session"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.sessionsCreated, err = m.meter.Int64Counter(
		"wgvm.sessions.created",
		metric.WithDescription("Total number of instances created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create sessionsCreated counter", slog.String("error", err.Error()))
	}

	m.sessionsReused, err = m.meter.Int64Counter(
		"wgvm.sessions.reused",
		metric.WithDescription("Total number of start requests served by an existing instance"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create sessionsReused counter", slog.String("error", err.Error()))
	}

	m.teardowns, err = m.meter.Int64Counter(
		"wgvm.teardowns",
		metric.WithDescription("Total number of teardowns"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create teardowns counter", slog.String("error", err.Error()))
	}

	m.configFailures, err = m.meter.Int64Counter(
		"wgvm.config.extraction.failures",
		metric.WithDescription("Total number of failed client config reads on a running instance"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create configFailures counter", slog.String("error", err.Error()))
	}

	m.createDuration, err = m.meter.Float64Histogram(
		"wgvm.session.create.duration",
		metric.WithDescription("Time to submit an instance creation (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createDuration histogram", slog.String("error", err.Error()))
	}

	return m
}

// ---------------------------------------------------------------------------
// lifecycle operations
// ---------------------------------------------------------------------------

// GetOrCreate returns the active instance if one exists, otherwise
// creates a new one. Creation is asynchronous: the returned operation
// must be polled via Status until it reaches a terminal state.
func (m *Manager) GetOrCreate(ctx context.Context, location string) (*StartResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.GetOrCreate")
	defer span.End()
	span.SetAttributes(attribute.String("session.location", location))

	existing, err := m.provider.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan for active instance: %w", err)
	}

	if existing != nil {
		span.SetAttributes(
			attribute.Bool("session.is_existing", true),
			attribute.String("session.instance_name", existing.Name),
		)
		if m.sessionsReused != nil {
			m.sessionsReused.Add(ctx, 1)
		}
		m.logger.Info("reusing active instance",
			slog.String("name", existing.Name),
			slog.String("state", string(existing.State)),
		)

		res := &StartResult{
			OperationID: existing.Name,
			Status:      m.clientStatus(existing),
			IsExisting:  true,
		}
		if existing.State == provider.StateSucceeded {
			res.PublicAddress, res.ClientConfig = m.fetchConnection(ctx, existing.Name)
		}
		return res, nil
	}

	name := fmt.Sprintf("wg-%d", m.clock().Unix())
	span.SetAttributes(
		attribute.Bool("session.is_existing", false),
		attribute.String("session.instance_name", name),
	)

	startTime := time.Now()
	if err := m.provider.Create(ctx, name, location); err != nil {
		return nil, fmt.Errorf("create instance %s: %w", name, err)
	}
	if m.createDuration != nil {
		m.createDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if m.sessionsCreated != nil {
		m.sessionsCreated.Add(ctx, 1)
	}

	m.logger.Info("instance creation submitted",
		slog.String("name", name),
		slog.String("location", location),
		slog.Duration("ttl", m.ttl),
	)
	m.scheduleTeardown(name)

	return &StartResult{
		OperationID: name,
		Status:      StatusCreating,
		IsExisting:  false,
	}, nil
}

// Status reports the current state of an operation. An instance the
// provider cannot find yet is reported as InProgress rather than an
// error, since creation may not be visible immediately after submit.
func (m *Manager) Status(ctx context.Context, id string) (*Operation, error) {
	ctx, span := m.tracer.Start(ctx, "session.Status")
	defer span.End()
	span.SetAttributes(attribute.String("session.instance_name", id))

	inst, err := m.provider.Get(ctx, id)
	if errors.Is(err, provider.ErrNotFound) {
		return &Operation{
			ID:       id,
			Status:   StatusInProgress,
			Progress: "instance not yet visible",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}

	span.SetAttributes(attribute.String("session.state", string(inst.State)))

	op := &Operation{ID: id, Status: m.clientStatus(inst)}

	switch inst.State {
	case provider.StateSucceeded:
		addr, conf := m.fetchConnection(ctx, id)
		op.Result = &Result{PublicAddress: addr, ClientConfig: conf}
		if conf == "" {
			op.Progress = "waiting for client config"
		}
	case provider.StateFailed:
		op.Error = inst.StateDetail
		if op.Error == "" {
			op.Error = "instance provisioning failed"
		}
	case provider.StateCreating, provider.StateUpdating:
		op.Progress = string(inst.State)
	default:
		// Unmodeled provider state: surface it verbatim so the caller
		// can see what the backend is doing.
		op.Progress = string(inst.State)
	}

	return op, nil
}

// Teardown deletes the instance and its dependent resources.
func (m *Manager) Teardown(ctx context.Context, id string) (*provider.TeardownReport, error) {
	ctx, span := m.tracer.Start(ctx, "session.Teardown")
	defer span.End()
	span.SetAttributes(attribute.String("session.instance_name", id))

	m.cancelTimer(id)

	report, err := m.provider.Delete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete instance %s: %w", id, err)
	}
	if m.teardowns != nil {
		m.teardowns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", report.Status())))
	}
	m.logger.Info("teardown finished",
		slog.String("name", id),
		slog.String("status", report.Status()),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// Close cancels pending TTL teardowns and waits for in-flight ones to
// finish.
func (m *Manager) Close() {
	m.cancelShutdown()
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// clientStatus maps a provider state onto the four client-facing
// statuses.
func (m *Manager) clientStatus(inst *provider.Instance) Status {
	switch inst.State {
	case provider.StateSucceeded:
		return StatusSucceeded
	case provider.StateFailed:
		return StatusFailed
	case provider.StateCreating:
		return StatusCreating
	default:
		return StatusInProgress
	}
}

// fetchConnection resolves the public address and client config of a
// running instance. Both are best effort: a running instance whose
// config file is not readable yet stays Succeeded with an empty config
// so the caller polls again instead of seeing a spurious failure.
func (m *Manager) fetchConnection(ctx context.Context, name string) (addr, conf string) {
	addr, err := m.provider.PublicAddress(ctx, name)
	if err != nil {
		m.logger.Warn("public address lookup failed",
			slog.String("name", name),
			slog.String("error", err.Error()))
		return "", ""
	}

	cmdCtx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	out, err := m.provider.RunCommand(cmdCtx, name, wgconf.ReadCommand())
	if err != nil {
		if m.configFailures != nil {
			m.configFailures.Add(ctx, 1)
		}
		m.logger.Warn("client config read failed",
			slog.String("name", name),
			slog.String("error", err.Error()))
		return addr, ""
	}

	conf, ok := wgconf.Extract(out)
	if !ok {
		if m.configFailures != nil {
			m.configFailures.Add(ctx, 1)
		}
		m.logger.Warn("client config markers missing from command output",
			slog.String("name", name))
		return addr, ""
	}
	return addr, conf
}

// scheduleTeardown arms the TTL timer for a freshly created instance.
// The timer is cancelled by an explicit Teardown or by Close.
func (m *Manager) scheduleTeardown(name string) {
	timerCtx, cancel := context.WithCancel(m.shutdown)

	m.mu.Lock()
	m.timers[name] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.cancelTimer(name)

		timer := time.NewTimer(m.ttl)
		defer timer.Stop()

		select {
		case <-timerCtx.Done():
			return
		case <-timer.C:
		}

		m.logger.Info("session TTL expired, tearing down",
			slog.String("name", name),
			slog.Duration("ttl", m.ttl),
		)
		ctx, cancelTeardown := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancelTeardown()
		if _, err := m.Teardown(ctx, name); err != nil {
			m.logger.Error("TTL teardown failed",
				slog.String("name", name),
				slog.String("error", err.Error()))
		}
	}()
}

func (m *Manager) cancelTimer(name string) {
	m.mu.Lock()
	cancel, ok := m.timers[name]
	if ok {
		delete(m.timers, name)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
