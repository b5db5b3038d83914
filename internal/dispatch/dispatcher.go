package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhq/relay-api/internal/domain"
	"github.com/relayhq/relay-api/internal/events"
	"github.com/relayhq/relay-api/internal/store"
)

// ErrQueueFull is returned by Dispatch when the job queue has no capacity.
var ErrQueueFull = errors.New("dispatch queue is full, try again later")

// Config holds configuration for the dispatcher.
type Config struct {
	// MaxAttempts bounds how many times a job is tried before it is marked
	// failed.
	MaxAttempts int

	// BaseDelay is the backoff unit; attempt n waits BaseDelay * n before
	// retrying.
	BaseDelay time.Duration

	// WorkerCount determines how many concurrent workers process jobs.
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory job queue.
	QueueSize int

	// DefaultTTL is the expiry applied to records whose event carries no
	// explicit one. It bounds how long an invitation stays actionable and
	// when the retention sweep may remove the record.
	DefaultTTL time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   750 * time.Millisecond,
		WorkerCount: 4,
		QueueSize:   256,
		DefaultTTL:  30 * 24 * time.Hour,
	}
}

// Dispatcher processes notification jobs in the background. Each job runs
// an event through its transformer and persists the resulting records,
// publishing a NotificationCreated event for every one.
type Dispatcher struct {
	registry  *Registry
	store     store.NotificationStore
	publisher events.Publisher
	config    Config
	logger    *slog.Logger

	jobChan    chan *Job
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	retryWG    sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before dispatching.
func NewDispatcher(
	registry *Registry,
	notificationStore store.NotificationStore,
	publisher events.Publisher,
	config Config,
	log *slog.Logger,
) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 750 * time.Millisecond
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 30 * 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		registry:   registry,
		store:      notificationStore,
		publisher:  publisher,
		config:     config,
		logger:     log.With(slog.String("component", "notification_dispatcher")),
		jobChan:    make(chan *Job, config.QueueSize),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop shuts the dispatcher down. In-flight jobs finish; jobs waiting on a
// retry timer or still sitting in the queue are failed rather than left
// hanging.
func (d *Dispatcher) Stop() {
	d.cancelFunc()
	d.wg.Wait()
	d.retryWG.Wait()

	// Queued jobs never reached a worker. Fail them so callers waiting on
	// Done are released.
	for {
		select {
		case job := <-d.jobChan:
			job.finish(job.persisted, errors.New("dispatcher stopped"))
		default:
			return
		}
	}
}

// Dispatch queues an event for processing and returns a handle the caller
// can wait on. Returns ErrQueueFull when the queue has no capacity.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) (*Job, error) {
	job := newJob(evt)

	select {
	case d.jobChan <- job:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug("stopping worker", "worker_id", id)
			return
		case job := <-d.jobChan:
			d.process(job, id)
		}
	}
}

func (d *Dispatcher) process(job *Job, workerID int) {
	ctx := context.Background()
	log := d.logger.With(
		"job_id", job.ID(),
		"event_key", job.event.Key,
		"attempt", job.attempt,
		"worker_id", workerID,
	)

	// Transform once, on the first attempt. Validation failures are
	// permanent; retrying cannot fix bad input.
	if job.remaining == nil {
		notifications, err := d.registry.Transform(ctx, job.event)
		if err != nil {
			log.Warn("event rejected", "error", err)
			job.finish(nil, err)
			return
		}

		// Every record gets an expiry: the event's own when it carries
		// one, the configured default otherwise.
		defaultExpiry := time.Now().UTC().Add(d.config.DefaultTTL)
		for _, n := range notifications {
			if n.ExpiresAt == nil {
				expiry := defaultExpiry
				n.ExpiresAt = &expiry
			}
		}
		job.remaining = notifications
	}

	for len(job.remaining) > 0 {
		n := job.remaining[0]

		persisted, err := d.persist(ctx, n)
		if err != nil {
			log.Error("failed to persist notification",
				"notification_id", n.ID,
				"recipient_id", n.RecipientID,
				"error", err)
			d.scheduleRetry(job, err)
			return
		}

		job.remaining = job.remaining[1:]
		if persisted == nil {
			// Suppressed, e.g. a duplicate pending invitation.
			continue
		}
		job.persisted = append(job.persisted, persisted)
	}

	log.Debug("job completed", "notification_count", len(job.persisted))
	job.finish(job.persisted, nil)
}

// persist stores one notification, consolidating where the type allows it,
// and publishes the corresponding gateway event. A nil record with nil
// error means the notification was deliberately suppressed.
func (d *Dispatcher) persist(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	if n.Type.Consolidates() && hasSourceRef(n) {
		updated, consolidated, err := d.store.Consolidate(ctx, n)
		if err != nil {
			return nil, err
		}
		if consolidated {
			d.publisher.Publish(ctx, events.NotificationCreated{
				Notification: updated,
				Consolidated: true,
				At:           time.Now().UTC(),
			})
			return updated, nil
		}
	}

	if err := d.store.Create(ctx, n); err != nil {
		if errors.Is(err, store.ErrPendingInvitationExists) {
			d.logger.Debug("suppressed duplicate pending invitation",
				"recipient_id", n.RecipientID,
				"group_id", n.GroupID)
			return nil, nil
		}
		if errors.Is(err, store.ErrDuplicate) {
			// Already inserted by a previous attempt.
			return n, nil
		}
		return nil, err
	}

	d.publisher.Publish(ctx, events.NotificationCreated{
		Notification: n,
		At:           time.Now().UTC(),
	})
	return n, nil
}

func (d *Dispatcher) scheduleRetry(job *Job, cause error) {
	if job.attempt >= d.config.MaxAttempts {
		d.logger.Error("job failed permanently",
			"job_id", job.ID(),
			"event_key", job.event.Key,
			"attempts", job.attempt,
			"error", cause)
		job.finish(job.persisted, fmt.Errorf("giving up after %d attempts: %w", job.attempt, cause))
		return
	}

	delay := d.config.BaseDelay * time.Duration(job.attempt)
	job.attempt++

	d.logger.Warn("scheduling retry",
		"job_id", job.ID(),
		"next_attempt", job.attempt,
		"delay", delay)

	// The sleep happens on a timer, not a worker, so a backlog of retries
	// never starves fresh jobs.
	d.retryWG.Add(1)
	time.AfterFunc(delay, func() {
		defer d.retryWG.Done()
		select {
		case d.jobChan <- job:
		case <-d.ctx.Done():
			job.finish(job.persisted, fmt.Errorf("dispatcher stopped: %w", cause))
		}
	})
}

func hasSourceRef(n *domain.Notification) bool {
	return n.GroupID != nil || n.ConversationID != nil || n.TaskID != nil
}
