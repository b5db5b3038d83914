package dispatch

import (
	"sync"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/domain"
)

// Job is the handle returned by Dispatch. Callers that need delivery
// confirmation wait on Done and then inspect Err; fire-and-forget callers
// just drop the handle.
type Job struct {
	id      uuid.UUID
	event   Event
	attempt int

	mu            sync.Mutex
	err           error
	notifications []*domain.Notification
	done          chan struct{}

	// Worker-owned state. Only the worker currently processing the job
	// touches these, so they need no locking. remaining tracks the records
	// a retry still has to persist; already-persisted ones are not redone.
	remaining []*domain.Notification
	persisted []*domain.Notification
}

func newJob(event Event) *Job {
	return &Job{
		id:      uuid.New(),
		event:   event,
		attempt: 1,
		done:    make(chan struct{}),
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() uuid.UUID { return j.id }

// Event returns the event the job was created for.
func (j *Job) Event() Event { return j.event }

// Done is closed once the job has finished, successfully or not.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the terminal error, or nil on success. Only valid after Done
// is closed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Notifications returns the records the job produced. Only valid after Done
// is closed.
func (j *Job) Notifications() []*domain.Notification {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.notifications
}

func (j *Job) finish(notifications []*domain.Notification, err error) {
	j.mu.Lock()
	j.notifications = notifications
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
