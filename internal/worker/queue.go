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
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const (
	jobQueueKey   = "rangekeeper:jobs"
	processingKey = "rangekeeper:processing"

	// dequeueTimeout bounds each blocking pop so workers notice cancellation.
	dequeueTimeout = time.Second
)

// errNoJob is returned by Dequeue when no job arrived within dequeueTimeout.
var errNoJob = errors.New("no job available")

// Queue is a Redis list of jobs. Workers pop from the tail into their own
// processing list, so a job is never held only in worker memory.
type Queue struct {
	client *redis.Client
	logger logr.Logger
}

// NewQueue creates a queue on an established Redis connection.
func NewQueue(client *redis.Client, logger logr.Logger) *Queue {
	return &Queue{client: client, logger: logger.WithName("queue")}
}

// Enqueue adds a job to the head of the queue.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// LPUSH to the head, BRPOPLPUSH from the tail: FIFO.
	if err := q.client.LPush(ctx, jobQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.V(1).Info("Enqueued job", "id", job.ID)
	return nil
}

// Dequeue waits up to dequeueTimeout for a job and moves it to the worker's
// processing list. It returns errNoJob when the wait expired.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	processingListKey := processingKey + ":" + workerID

	result, err := q.client.BRPopLPush(ctx, jobQueueKey, processingListKey, dequeueTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errNoJob
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := UnmarshalJob([]byte(result))
	if err != nil {
		q.client.LRem(ctx, processingListKey, 1, result)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return job, nil
}

// Complete removes a finished job from the worker's processing list.
func (q *Queue) Complete(ctx context.Context, workerID string, job *Job) error {
	processingListKey := processingKey + ":" + workerID

	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job for removal: %w", err)
	}

	if err := q.client.LRem(ctx, processingListKey, 1, data).Err(); err != nil {
		return fmt.Errorf("failed to remove job from processing list: %w", err)
	}

	q.logger.V(1).Info("Completed job", "id", job.ID)
	return nil
}

// Requeue moves a job from the processing list back to the queue with its
// retry count incremented.
func (q *Queue) Requeue(ctx context.Context, workerID string, job *Job) error {
	if err := q.Complete(ctx, workerID, job); err != nil {
		q.logger.Error(err, "Failed to remove job from processing list during requeue", "id", job.ID)
	}

	job.Retries++
	return q.Enqueue(ctx, job)
}

// Fail drops a job without retrying it.
func (q *Queue) Fail(ctx context.Context, workerID string, job *Job) error {
	return q.Complete(ctx, workerID, job)
}

// Recover moves jobs left in a worker's processing list back to the queue.
// Pools call it on start for each of their worker IDs, picking up work a
// previous process was killed in the middle of.
func (q *Queue) Recover(ctx context.Context, workerID string) (int, error) {
	processingListKey := processingKey + ":" + workerID

	recovered := 0
	for {
		err := q.client.RPopLPush(ctx, processingListKey, jobQueueKey).Err()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover jobs of %s: %w", workerID, err)
		}
		recovered++
	}
}

// Len returns the number of jobs waiting in the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobQueueKey).Result()
}
