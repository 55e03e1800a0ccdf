// Package provider defines the abstraction for compute backends that
// host the single-tenant WireGuard VM. Each backend (GCP Compute Engine,
// dry-run simulator) implements the Provider interface so the session
// state machine stays compute-agnostic.
//
// The provider is the only source of truth for instance state: callers
// re-query live state on every poll and never cache it.
package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the named instance does not exist.
// Creation is asynchronous on the backend side, so an instance may not be
// queryable immediately after Create -- callers treat this as "not yet
// visible", not as a hard failure.
var ErrNotFound = errors.New("instance not found")

// State is the provisioning state reported by the backend for an
// instance. Backends map their native status vocabulary onto these
// values; anything they cannot map passes through verbatim so callers
// can surface states this package does not model.
type State string

const (
	StateCreating  State = "Creating"
	StateUpdating  State = "Updating"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Terminal reports whether s is a final provisioning state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Active reports whether s describes an instance that should be reused
// rather than replaced: one that is ready or still on its way there.
func (s State) Active() bool {
	return s == StateSucceeded || s == StateCreating || s == StateUpdating
}

// Instance describes a VM owned by the backend.
type Instance struct {
	// Name is the backend resource name, used as the operation
	// identifier exposed to clients.
	Name string

	// Location is the zone/region the instance lives in.
	Location string

	// State is the current provisioning state.
	State State

	// StateDetail carries the backend's own diagnostic text, if any.
	// For failed instances this is the most specific error available.
	StateDetail string
}

// TeardownReport lists the outcome of a best-effort teardown. Each
// dependent object is deleted independently; one failure does not stop
// the remaining deletions. A resource that was already absent counts as
// deleted, not as a failure.
type TeardownReport struct {
	Deleted []string
	Failed  []string
}

// Status summarizes the report as "success" or "partial_success".
func (r *TeardownReport) Status() string {
	if len(r.Failed) > 0 {
		return "partial_success"
	}
	return "success"
}

// Provider is the contract every compute backend must satisfy.
//
// The VM is single-tenant and at most one active instance exists per
// deployment scope. Instances are discovered by a fixed purpose label
// applied at creation time, never by a local record.
type Provider interface {
	// FindActive returns the active instance carrying the purpose
	// label, or nil if none exists. Instances in a failed state are
	// not considered active.
	FindActive(ctx context.Context) (*Instance, error)

	// Create requests asynchronous creation of a new instance and its
	// network prerequisites. Prerequisite objects (address, shared
	// network, firewall) are created to completion before the instance
	// that references them is requested; the instance creation itself
	// returns without waiting for the VM to boot.
	Create(ctx context.Context, name, location string) error

	// Get returns the live state of the named instance, or ErrNotFound.
	Get(ctx context.Context, name string) (*Instance, error)

	// PublicAddress resolves the instance's public IP. It returns an
	// empty string without error when no address is assigned yet.
	PublicAddress(ctx context.Context, name string) (string, error)

	// RunCommand executes a shell command on a running instance and
	// returns its output as text. The call blocks until the command
	// finishes or ctx expires; callers bound it with an explicit
	// timeout and treat failures as transient.
	RunCommand(ctx context.Context, name, command string) (string, error)

	// Delete tears down the instance and every dependent object it
	// owns, best-effort. Deleting an absent instance is not an error.
	Delete(ctx context.Context, name string) (*TeardownReport, error)
}
