package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threatwatch/internal/model"
)

var (
	ErrRetriesExhausted = errors.New("notification retries exhausted")
	ErrQueueFull        = errors.New("notification queue full")
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	}
	return "low"
}

func PriorityFor(s model.Severity) Priority {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return PriorityHigh
	case model.SeverityLow:
		return PriorityLow
	}
	return PriorityNormal
}

// Job is one pending delivery. Threat is nil for test messages.
type Job struct {
	AlertID   string
	Threat    *model.Threat
	Recipient model.Recipient
	Priority  Priority
	Retries   int

	seq uint64
}

func (j Job) message() (string, string) {
	if j.Threat == nil {
		return testSubject, testBody(j.Recipient)
	}
	return ThreatSubject(*j.Threat), ThreatBody(*j.Threat, j.Recipient)
}

type Options struct {
	SendDelay  time.Duration
	MaxRetries int
	Capacity   int
	// OnDelivered runs after a successful send.
	OnDelivered func(Job)
	// OnDropped runs when a job is abandoned; err wraps ErrRetriesExhausted.
	OnDropped func(Job, error)
	Logger    *slog.Logger
}

// Queue is a priority queue drained by a single consumer. Failed sends are
// re-queued at the back of their priority class until MaxRetries is spent.
type Queue struct {
	sender  Sender
	opts    Options
	limiter *rate.Limiter

	mu         sync.Mutex
	pending    []Job
	seq        uint64
	processing bool

	wake chan struct{}
}

func NewQueue(sender Sender, opts Options) *Queue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	limit := rate.Inf
	if opts.SendDelay > 0 {
		limit = rate.Every(opts.SendDelay)
	}
	return &Queue{
		sender:  sender,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		wake:    make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	if len(q.pending) >= q.opts.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.push(job)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dispatch sends job right away, bypassing the queued drain. A failed
// attempt counts as the first try and the job falls back to the queue.
func (q *Queue) Dispatch(ctx context.Context, job Job) error {
	err := q.attempt(ctx, job)
	if err == nil {
		return nil
	}
	q.fail(job, err)
	q.signal()
	return err
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains the queue whenever jobs arrive until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.Drain(ctx)
		}
	}
}

// Drain processes pending jobs until the queue is empty and returns the
// number delivered. Each pass sorts the pending jobs by priority, then by
// arrival. A concurrent call returns immediately.
func (q *Queue) Drain(ctx context.Context) int {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return 0
	}
	q.processing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	delivered := 0
	for {
		batch := q.takeAll()
		if len(batch) == 0 {
			return delivered
		}
		for i, job := range batch {
			if err := q.limiter.Wait(ctx); err != nil {
				q.putBack(batch[i:])
				return delivered
			}
			if err := q.attempt(ctx, job); err != nil {
				q.fail(job, err)
				continue
			}
			delivered++
		}
	}
}

func (q *Queue) attempt(ctx context.Context, job Job) error {
	subject, body := job.message()
	if err := q.sender.Send(ctx, job.Recipient, subject, body); err != nil {
		return err
	}
	if q.opts.Logger != nil {
		q.opts.Logger.Info("notification sent", "to", job.Recipient.Email, "alert_id", job.AlertID, "priority", job.Priority.String())
	}
	if q.opts.OnDelivered != nil {
		q.opts.OnDelivered(job)
	}
	return nil
}

func (q *Queue) fail(job Job, err error) {
	if job.Retries >= q.opts.MaxRetries {
		dropErr := fmt.Errorf("%w: %s after %d retries: %v", ErrRetriesExhausted, job.Recipient.Email, job.Retries, err)
		if q.opts.Logger != nil {
			q.opts.Logger.Error("notification dropped", "to", job.Recipient.Email, "alert_id", job.AlertID, "err", dropErr)
		}
		if q.opts.OnDropped != nil {
			q.opts.OnDropped(job, dropErr)
		}
		return
	}
	job.Retries++
	if q.opts.Logger != nil {
		q.opts.Logger.Warn("notification failed, will retry", "to", job.Recipient.Email, "retry", job.Retries, "err", err)
	}
	q.mu.Lock()
	q.push(job)
	q.mu.Unlock()
}

func (q *Queue) push(job Job) {
	q.seq++
	job.seq = q.seq
	q.pending = append(q.pending, job)
}

func (q *Queue) takeAll() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].seq < batch[j].seq
	})
	return batch
}

func (q *Queue) putBack(jobs []Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]Job(nil), jobs...), q.pending...)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
