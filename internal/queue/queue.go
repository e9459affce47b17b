// Package queue is the durable FIFO connecting the dispatcher to workers.
//
// Delivery is at most once: a job popped by a worker that then crashes is
// gone. There is no lease or redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relaygate/internal/store"
	"relaygate/pkg/types"
)

// DefaultName is the list jobs are pushed to.
const DefaultName = "jobs"

// ErrMalformedJob is returned by Dequeue when the popped payload is not a
// valid job. The payload has already been removed from the queue.
var ErrMalformedJob = errors.New("malformed job")

type WorkQueue struct {
	q    store.Queue
	name string
}

func New(q store.Queue, name string) *WorkQueue {
	if name == "" {
		name = DefaultName
	}
	return &WorkQueue{q: q, name: name}
}

func (w *WorkQueue) Enqueue(ctx context.Context, job types.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := w.q.Push(ctx, w.name, payload); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.RequestID, err)
	}
	return nil
}

// Dequeue waits up to timeout for a job. found=false with a nil error means
// the wait elapsed with nothing to do.
func (w *WorkQueue) Dequeue(ctx context.Context, timeout time.Duration) (types.Job, bool, error) {
	payload, found, err := w.q.Pop(ctx, w.name, timeout)
	if err != nil {
		return types.Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	if !found {
		return types.Job{}, false, nil
	}

	var job types.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return types.Job{}, false, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.RequestID == "" {
		return types.Job{}, false, fmt.Errorf("%w: missing request_id", ErrMalformedJob)
	}
	return job, true, nil
}
