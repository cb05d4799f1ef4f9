package worker

import (
	"fmt"

	"triagent/internal/logging"
	"triagent/internal/webhook"
)

const defaultQueueSize = 100

// Queue is the bounded in-process job queue between webhook ingestion and
// the triage workers. Jobs are held in memory only; anything still queued
// at shutdown is dropped.
type Queue struct {
	ch chan *webhook.Record
}

// NewQueue returns a queue holding at most size pending jobs. A size of
// zero or less falls back to the default capacity of 100.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{ch: make(chan *webhook.Record, size)}
}

// Enqueue adds a job without blocking. It fails when the queue is at
// capacity so the webhook handler can surface backpressure to the sender.
func (q *Queue) Enqueue(rec *webhook.Record) error {
	select {
	case q.ch <- rec:
		logging.Worker("Enqueued triage job for %s %s", rec.Type, rec.IssueID)
		return nil
	default:
		return fmt.Errorf("triage queue full (%d pending)", len(q.ch))
	}
}

// Len reports the number of jobs waiting to be processed.
func (q *Queue) Len() int {
	return len(q.ch)
}
