// Package ledger tracks delegated provisioning jobs in memory and runs
// them against the upstream API on a bounded worker pool.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a delegated job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrTerminal is returned by Update when the job already reached a
// terminal status.
var ErrTerminal = errors.New("job is in a terminal state")

// Result is the connection material a completed job produced.
type Result struct {
	PublicAddress string `json:"publicAddress,omitempty"`
	ClientConfig  string `json:"clientConfig,omitempty"`
}

// Job is a tracked delegated operation.
type Job struct {
	ID        string    `json:"operationId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"lastUpdated"`
}

// Store is an in-memory job ledger safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create registers a new pending job and returns a copy of it.
func (s *Store) Create() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job

	cp := *job
	return &cp
}

// Get returns a copy of the job, or false when the id is unknown.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Update transitions a job to a new status. Updates against a job that
// already reached a terminal status are rejected with ErrTerminal so a
// late poll can never resurrect a finished job.
func (s *Store) Update(id string, status Status, message string, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s: %w", id, ErrTerminal)
	}

	job.Status = status
	job.Message = message
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = s.now()
	return nil
}

// Len reports the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
