package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/terrpan/wgvm/internal/upstream"
)

// UpstreamClient is the slice of the upstream API the worker needs.
type UpstreamClient interface {
	Start(ctx context.Context, req upstream.StartRequest) (*upstream.StartResponse, error)
	Status(ctx context.Context, operationID string) (*upstream.StatusResponse, error)
}

var errStillRunning = errors.New("upstream job still running")

// WorkerConfig holds the parameters of the worker pool.
type WorkerConfig struct {
	Store         *Store
	Upstream      UpstreamClient
	Logger        *slog.Logger
	MaxConcurrent int64         // simultaneous delegated jobs
	PollInterval  time.Duration // delay between upstream status polls
	MaxPolls      uint          // attempt budget before giving up
}

// Worker drives delegated jobs to completion: it starts them on the
// upstream API and polls until they finish or the attempt budget runs
// out. Jobs run fire-and-forget on a bounded pool.
type Worker struct {
	store        *Store
	upstream     UpstreamClient
	logger       *slog.Logger
	sem          *semaphore.Weighted
	pollInterval time.Duration
	maxPolls     uint

	shutdown       context.Context
	cancelShutdown context.CancelFunc
	wg             sync.WaitGroup
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 60
	}

	shutdown, cancel := context.WithCancel(context.Background())

	return &Worker{
		store:          cfg.Store,
		upstream:       cfg.Upstream,
		logger:         cfg.Logger,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		pollInterval:   cfg.PollInterval,
		maxPolls:       cfg.MaxPolls,
		shutdown:       shutdown,
		cancelShutdown: cancel,
	}
}

// Submit schedules a job for execution. It returns immediately; the
// job's progress is observable through the store.
func (w *Worker) Submit(jobID, location string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if err := w.sem.Acquire(w.shutdown, 1); err != nil {
			w.fail(jobID, "worker shutting down")
			return
		}
		defer w.sem.Release(1)

		w.run(jobID, location)
	}()
}

// Close stops accepting work and waits for in-flight jobs to finish or
// abort.
func (w *Worker) Close() {
	w.cancelShutdown()
	w.wg.Wait()
}

func (w *Worker) run(jobID, location string) {
	if err := w.store.Update(jobID, StatusRunning, "", nil); err != nil {
		w.logger.Warn("could not mark job running", slog.String("jobID", jobID), slog.String("error", err.Error()))
		return
	}

	start, err := w.upstream.Start(w.shutdown, upstream.StartRequest{Location: location})
	if err != nil {
		w.fail(jobID, fmt.Sprintf("upstream start failed: %v", err))
		return
	}

	w.logger.Info("delegated job started",
		slog.String("jobID", jobID),
		slog.String("upstreamID", start.OperationID),
	)

	resp, err := backoff.Retry(w.shutdown, func() (*upstream.StatusResponse, error) {
		st, err := w.upstream.Status(w.shutdown, start.OperationID)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case upstream.JobCompleted:
			return st, nil
		case upstream.JobFailed:
			return nil, backoff.Permanent(fmt.Errorf("upstream job failed: %s", st.Message))
		default:
			return nil, fmt.Errorf("%w (%s)", errStillRunning, st.Status)
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.pollInterval)),
		backoff.WithMaxTries(w.maxPolls),
	)
	if err != nil {
		if errors.Is(err, errStillRunning) {
			w.fail(jobID, fmt.Sprintf("timed out waiting for upstream job %s", start.OperationID))
		} else {
			w.fail(jobID, err.Error())
		}
		return
	}

	result := &Result{
		PublicAddress: resp.PublicAddress,
		ClientConfig:  resp.ClientConfig,
	}
	if err := w.store.Update(jobID, StatusCompleted, "", result); err != nil {
		w.logger.Warn("could not mark job completed", slog.String("jobID", jobID), slog.String("error", err.Error()))
		return
	}

	w.logger.Info("delegated job completed", slog.String("jobID", jobID))
}

func (w *Worker) fail(jobID, message string) {
	if err := w.store.Update(jobID, StatusFailed, message, nil); err != nil {
		w.logger.Warn("could not mark job failed", slog.String("jobID", jobID), slog.String("error", err.Error()))
		return
	}
	w.logger.Error("delegated job failed",
		slog.String("jobID", jobID),
		slog.String("message", message),
	)
}
