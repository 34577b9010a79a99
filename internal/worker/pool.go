// Copyright 2025 The Rangekeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	rkerrors "github.com/mikelane/rangekeeper/internal/errors"
	"github.com/mikelane/rangekeeper/internal/metrics"
)

const (
	// maxRetries is the maximum number of retries for transient errors
	maxRetries = 3

	defaultNumWorkers = 10
	defaultRetryDelay = 2 * time.Second
	// Registration can wait for another user's provisioning, so the timeout
	// is well above the registration wait timeout.
	defaultJobTimeout = 45 * time.Minute
)

// Handler runs jobs of one type.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	Handlers   map[JobType]Handler
	Logger     logr.Logger

	// RetryDelay is multiplied by the attempt number before a transient
	// failure is requeued.
	RetryDelay time.Duration
	JobTimeout time.Duration
	// Name prefixes worker IDs, and so the processing list keys. Processes
	// sharing a Redis must use distinct names.
	Name string
}

// Pool runs a fixed number of workers consuming the queue.
type Pool struct {
	queue      *Queue
	handlers   map[JobType]Handler
	logger     logr.Logger
	numWorkers int
	retryDelay time.Duration
	jobTimeout time.Duration
	name       string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a new worker pool.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		queue:      cfg.Queue,
		handlers:   cfg.Handlers,
		logger:     cfg.Logger.WithName("worker"),
		numWorkers: cfg.NumWorkers,
		retryDelay: cfg.RetryDelay,
		jobTimeout: cfg.JobTimeout,
		name:       cfg.Name,
	}
	if p.numWorkers <= 0 {
		p.numWorkers = defaultNumWorkers
	}
	if p.retryDelay <= 0 {
		p.retryDelay = defaultRetryDelay
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = defaultJobTimeout
	}
	if p.name == "" {
		p.name = "worker"
	}
	return p
}

// Start recovers jobs abandoned in the pool's processing lists and launches
// the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("Starting worker pool", "workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		if n, err := p.queue.Recover(ctx, workerID); err != nil {
			p.logger.Error(err, "Failed to recover jobs", "worker", workerID)
		} else if n > 0 {
			p.logger.Info("Recovered abandoned jobs", "worker", workerID, "jobs", n)
		}

		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop cancels the workers and waits for them to return.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	logger := p.logger.WithValues("worker", workerID)
	logger.V(1).Info("Worker started")

	for {
		if ctx.Err() != nil {
			logger.V(1).Info("Worker shutting down")
			return
		}

		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				logger.V(1).Info("Worker shutting down")
				return
			}
			if errors.Is(err, errNoJob) {
				continue
			}
			logger.Error(err, "Failed to dequeue")
			sleep(ctx, time.Second)
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	logger := p.logger.WithValues("worker", workerID, "job", job.ID, "type", job.Type,
		"team", job.Team, "attempt", job.Retries+1)
	logger.Info("Processing job")

	handler, ok := p.handlers[job.Type]
	if !ok {
		logger.Error(nil, "Unknown job type")
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Type), "failed").Inc()
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	jobCtx, cancel := context.WithTimeout(logr.NewContext(ctx, logger), p.jobTimeout)
	defer cancel()

	err := handler.Handle(jobCtx, job)
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %v: %w", p.jobTimeout, err)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Left in the processing list; Recover picks it up on restart.
			logger.Info("Pool stopping, job interrupted", "error", err.Error())
			return
		}
		if rkerrors.IsTransient(err) && job.Retries < maxRetries {
			logger.Info("Transient failure, requeueing", "error", err.Error())
			metrics.JobsProcessedTotal.WithLabelValues(string(job.Type), "requeued").Inc()
			sleep(ctx, time.Duration(job.Retries+1)*p.retryDelay)
			if requeueErr := p.queue.Requeue(context.WithoutCancel(ctx), workerID, job); requeueErr != nil {
				logger.Error(requeueErr, "Failed to requeue job")
			}
			return
		}

		logger.Error(err, "Job failed permanently")
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Type), "failed").Inc()
		_ = p.queue.Fail(context.WithoutCancel(ctx), workerID, job)
		return
	}

	metrics.JobsProcessedTotal.WithLabelValues(string(job.Type), "success").Inc()
	if err := p.queue.Complete(context.WithoutCancel(ctx), workerID, job); err != nil {
		logger.Error(err, "Failed to mark job as complete")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
