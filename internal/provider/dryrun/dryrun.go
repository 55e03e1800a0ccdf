// Package dryrun implements provider.Provider as an in-memory
// simulation with deterministic, time-driven state transitions. It
// exists for local development and tests: no cloud calls, no SSH, but
// the same observable lifecycle as a real backend.
package dryrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/terrpan/wgvm/internal/provider"
	"github.com/terrpan/wgvm/internal/wgconf"
)

// Simulated lifecycle, measured from Create time:
// state is Creating before creatingFor, Running until runningUntil,
// Succeeded afterwards. Transitions are monotonic by construction
// because they depend only on elapsed time.
const (
	creatingFor  = 3 * time.Second
	runningUntil = 8 * time.Second

	// simulatedIP is the documentation-range address every simulated
	// VM reports.
	simulatedIP = "203.0.113.42"
)

// Provider simulates a compute backend.
type Provider struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	created map[string]entry
}

type entry struct {
	location  string
	createdAt time.Time
	deleted   bool
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// Option configures the simulator.
type Option func(*Provider)

// WithClock substitutes the time source, letting tests drive the state
// transitions deterministically.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a dry-run provider.
func New(logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		logger:  logger,
		now:     time.Now,
		created: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) FindActive(ctx context.Context) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, e := range p.created {
		if !e.deleted {
			return p.project(name, e), nil
		}
	}
	return nil, nil
}

func (p *Provider) Create(ctx context.Context, name, location string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.created[name]; ok && !e.deleted {
		return fmt.Errorf("instance %s already exists", name)
	}
	p.created[name] = entry{location: location, createdAt: p.now()}
	p.logger.Info("dry run: simulating VM creation",
		slog.String("name", name),
		slog.String("location", location),
	)
	return nil
}

func (p *Provider) Get(ctx context.Context, name string) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.created[name]
	if !ok || e.deleted {
		return nil, provider.ErrNotFound
	}
	return p.project(name, e), nil
}

func (p *Provider) PublicAddress(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.created[name]
	if !ok || e.deleted {
		return "", nil
	}
	// The address is assigned once boot-time setup starts.
	if p.now().Sub(e.createdAt) < creatingFor {
		return "", nil
	}
	return simulatedIP, nil
}

// RunCommand simulates remote command execution against a ready VM.
// It serves the sentinel-wrapped sample config once the instance has
// reached Succeeded, mirroring what the real read command would print.
func (p *Provider) RunCommand(ctx context.Context, name, command string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.created[name]
	if !ok || e.deleted {
		return "", fmt.Errorf("instance %s not found", name)
	}
	if p.now().Sub(e.createdAt) < runningUntil {
		return "", fmt.Errorf("instance %s not ready for command execution", name)
	}
	return fmt.Sprintf("%s\n%s\n%s\n", wgconf.MarkerStart, wgconf.SampleConfig(simulatedIP), wgconf.MarkerEnd), nil
}

func (p *Provider) Delete(ctx context.Context, name string) (*provider.TeardownReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := &provider.TeardownReport{}
	e, ok := p.created[name]
	if !ok || e.deleted {
		// Not-found deletions are still a success.
		report.Deleted = append(report.Deleted, name)
		return report, nil
	}
	e.deleted = true
	p.created[name] = e
	report.Deleted = append(report.Deleted, name, name+"-ip")
	p.logger.Info("dry run: simulating VM teardown", slog.String("name", name))
	return report, nil
}

// project computes the instance state from elapsed time. The raw
// "Running" phase is deliberately left unmapped -- it exercises the
// verbatim pass-through path in the session layer, just like a real
// provider state this package does not model.
func (p *Provider) project(name string, e entry) *provider.Instance {
	elapsed := p.now().Sub(e.createdAt)
	var state provider.State
	switch {
	case elapsed < creatingFor:
		state = provider.StateCreating
	case elapsed < runningUntil:
		state = provider.State("Running")
	default:
		state = provider.StateSucceeded
	}
	return &provider.Instance{
		Name:     name,
		Location: e.location,
		State:    state,
	}
}
