package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/relay-api/internal/dispatch"
	"github.com/relayhq/relay-api/internal/domain"
	"github.com/relayhq/relay-api/internal/events"
	"github.com/relayhq/relay-api/internal/store"
)

// fakeNotificationStore is an in-memory store.NotificationStore with
// programmable failures for exercising the retry path.
type fakeNotificationStore struct {
	mu            sync.Mutex
	records       map[uuid.UUID]*domain.Notification
	createCalls   int
	failCreates   int   // fail this many Create calls before succeeding
	createErr     error // error to fail with; defaults to a transient one
	duplicateErrs int   // return ErrPendingInvitationExists this many times
}

func newFakeStore() *fakeNotificationStore {
	return &fakeNotificationStore{records: make(map[uuid.UUID]*domain.Notification)}
}

func (f *fakeNotificationStore) Create(_ context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.duplicateErrs > 0 {
		f.duplicateErrs--
		return store.ErrPendingInvitationExists
	}
	if f.failCreates > 0 {
		f.failCreates--
		if f.createErr != nil {
			return f.createErr
		}
		return errors.New("connection reset")
	}

	clone := *n
	f.records[n.ID] = &clone
	return nil
}

func (f *fakeNotificationStore) Consolidate(
	_ context.Context,
	n *domain.Notification,
) (*domain.Notification, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.records {
		if existing.RecipientID == n.RecipientID &&
			existing.Type == n.Type &&
			!existing.Read && !existing.Archived &&
			uuidEqual(existing.ConversationID, n.ConversationID) &&
			uuidEqual(existing.GroupID, n.GroupID) &&
			uuidEqual(existing.TaskID, n.TaskID) {
			existing.MessageCount++
			existing.Title = n.Title
			existing.Body = n.Body
			if n.MessageID != nil {
				existing.MessageID = n.MessageID
			}
			existing.UpdatedAt = time.Now().UTC()
			clone := *existing
			return &clone, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeNotificationStore) GetForRecipient(
	_ context.Context,
	recipientID, id uuid.UUID,
) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.records[id]
	if !ok || n.RecipientID != recipientID {
		return nil, store.ErrNotificationNotFound
	}
	clone := *n
	return &clone, nil
}

func (f *fakeNotificationStore) ListForRecipient(
	_ context.Context,
	recipientID uuid.UUID,
	_ store.ListFilter,
) ([]*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*domain.Notification
	for _, n := range f.records {
		if n.RecipientID == recipientID {
			clone := *n
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeNotificationStore) CountUnread(_ context.Context, recipientID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, n := range f.records {
		if n.RecipientID == recipientID && !n.Read && !n.Archived {
			count++
		}
	}
	return count, nil
}

func (f *fakeNotificationStore) MarkRead(_ context.Context, _, _ uuid.UUID) error { return nil }
func (f *fakeNotificationStore) MarkAllRead(_ context.Context, _ uuid.UUID) (int64, error) {
	return 0, nil
}
func (f *fakeNotificationStore) UpdateStatus(_ context.Context, _, _ uuid.UUID, _ domain.NotificationStatus) error {
	return nil
}
func (f *fakeNotificationStore) Archive(_ context.Context, _, _ uuid.UUID) error { return nil }
func (f *fakeNotificationStore) Delete(_ context.Context, _, _ uuid.UUID) error  { return nil }
func (f *fakeNotificationStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.records {
		if rec.Status == domain.StatusPending && rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
			rec.Status = domain.StatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeNotificationStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, rec := range f.records {
		pastExpiry := rec.ExpiresAt != nil && rec.ExpiresAt.Before(cutoff)
		staleArchive := rec.Archived && rec.UpdatedAt.Before(cutoff)
		if pastExpiry || staleArchive {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}
func (f *fakeNotificationStore) WithTx(_ *sql.Tx) store.NotificationStore { return f }

func (f *fakeNotificationStore) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func uuidEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) created() []events.NotificationCreated {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.NotificationCreated
	for _, e := range p.events {
		if nc, ok := e.(events.NotificationCreated); ok {
			out = append(out, nc)
		}
	}
	return out
}

func newDispatcher(t *testing.T, st store.NotificationStore, pub events.Publisher, cfg dispatch.Config) *dispatch.Dispatcher {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.NewDispatcher(dispatch.NewRegistry(), st, pub, cfg, log)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func fastConfig() dispatch.Config {
	return dispatch.Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		WorkerCount: 2,
		QueueSize:   16,
	}
}

func waitForJob(t *testing.T, job *dispatch.Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish in time")
	}
}

func taskAssignedEvent(recipients ...uuid.UUID) dispatch.Event {
	taskID := uuid.New()
	return dispatch.Event{
		Key:        dispatch.EventTaskAssigned,
		ActorID:    uuid.New(),
		ActorName:  "Alice",
		Recipients: recipients,
		TaskID:     &taskID,
		TaskTitle:  "Write the report",
	}
}

func TestDispatcherPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	bob := uuid.New()
	carol := uuid.New()

	job, err := d.Dispatch(context.Background(), taskAssignedEvent(bob, carol))
	require.NoError(t, err)
	waitForJob(t, job)

	require.NoError(t, job.Err())
	require.Len(t, job.Notifications(), 2)

	for _, n := range job.Notifications() {
		assert.Equal(t, domain.TypeTaskAssigned, n.Type)
		assert.Equal(t, domain.StatusDelivered, n.Status)
		assert.Equal(t, domain.CategoryTask, n.Category)
		assert.Equal(t, 1, n.MessageCount)
	}

	created := pub.created()
	assert.Len(t, created, 2)
	assert.Equal(t, 2, st.creates())
}

func TestDispatcherExcludesActor(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	evt := taskAssignedEvent(uuid.New())
	evt.Recipients = append(evt.Recipients, evt.ActorID)

	job, err := d.Dispatch(context.Background(), evt)
	require.NoError(t, err)
	waitForJob(t, job)

	require.NoError(t, job.Err())
	require.Len(t, job.Notifications(), 1)
	assert.NotEqual(t, evt.ActorID, job.Notifications()[0].RecipientID)
}

func TestDispatcherValidationFailureNotRetried(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	// Missing task reference.
	job, err := d.Dispatch(context.Background(), dispatch.Event{
		Key:        dispatch.EventTaskAssigned,
		ActorID:    uuid.New(),
		Recipients: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)
	waitForJob(t, job)

	assert.ErrorIs(t, job.Err(), domain.ErrValidation)
	assert.Zero(t, st.creates(), "validation failures must not reach the store")
	assert.Empty(t, pub.created())
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failCreates = 2
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	job, err := d.Dispatch(context.Background(), taskAssignedEvent(uuid.New()))
	require.NoError(t, err)
	waitForJob(t, job)

	require.NoError(t, job.Err())
	require.Len(t, job.Notifications(), 1)
	assert.Equal(t, 3, st.creates())
	assert.Len(t, pub.created(), 1)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failCreates = 100
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	job, err := d.Dispatch(context.Background(), taskAssignedEvent(uuid.New()))
	require.NoError(t, err)
	waitForJob(t, job)

	require.Error(t, job.Err())
	assert.Equal(t, 3, st.creates(), "one store call per attempt")
	assert.Empty(t, pub.created())
}

func TestDispatcherConsolidatesRepeatedMessages(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	sender := uuid.New()
	recipient := uuid.New()
	conversationID := uuid.New()

	chat := func(body string, messageID uuid.UUID) dispatch.Event {
		return dispatch.Event{
			Key:            dispatch.EventChatMessage,
			ActorID:        sender,
			ActorName:      "Alice",
			Recipients:     []uuid.UUID{recipient},
			ConversationID: &conversationID,
			Message:        body,
			MessageID:      &messageID,
		}
	}

	first, err := d.Dispatch(context.Background(), chat("hello", uuid.New()))
	require.NoError(t, err)
	waitForJob(t, first)
	require.NoError(t, first.Err())

	latestMessage := uuid.New()
	second, err := d.Dispatch(context.Background(), chat("are you there?", latestMessage))
	require.NoError(t, err)
	waitForJob(t, second)
	require.NoError(t, second.Err())

	require.Len(t, second.Notifications(), 1)
	folded := second.Notifications()[0]
	assert.Equal(t, 2, folded.MessageCount)
	assert.Equal(t, "are you there?", folded.Body)
	require.NotNil(t, folded.MessageID)
	assert.Equal(t, latestMessage, *folded.MessageID, "the record points at the latest message")

	// Only one record exists; the second dispatch updated it.
	list, err := st.ListForRecipient(context.Background(), recipient, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	created := pub.created()
	require.Len(t, created, 2)
	assert.False(t, created[0].Consolidated)
	assert.True(t, created[1].Consolidated)
}

func TestDispatcherSuppressesDuplicateInvitation(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.duplicateErrs = 1
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	groupID := uuid.New()
	job, err := d.Dispatch(context.Background(), dispatch.Event{
		Key:        dispatch.EventGroupInvitationSent,
		ActorID:    uuid.New(),
		Recipients: []uuid.UUID{uuid.New()},
		GroupID:    &groupID,
		GroupName:  "Weekend Hikers",
	})
	require.NoError(t, err)
	waitForJob(t, job)

	require.NoError(t, job.Err(), "duplicate invitations are suppressed, not failed")
	assert.Empty(t, job.Notifications())
	assert.Empty(t, pub.created())
}

func TestDispatcherAppliesDefaultExpiry(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	cfg := fastConfig()
	cfg.DefaultTTL = 30 * 24 * time.Hour
	d := newDispatcher(t, st, pub, cfg)

	// Chat events carry no expiry of their own.
	job, err := d.Dispatch(context.Background(), dispatch.Event{
		Key:            dispatch.EventChatMessage,
		ActorID:        uuid.New(),
		ActorName:      "Alice",
		Recipients:     []uuid.UUID{uuid.New()},
		ConversationID: ptrUUID(uuid.New()),
		Message:        "hello",
	})
	require.NoError(t, err)
	waitForJob(t, job)
	require.NoError(t, job.Err())

	require.Len(t, job.Notifications(), 1)
	n := job.Notifications()[0]
	require.NotNil(t, n.ExpiresAt, "records without an explicit expiry get the default")
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *n.ExpiresAt, time.Minute)
}

func TestDispatcherKeepsExplicitExpiry(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	d := newDispatcher(t, st, pub, fastConfig())

	groupID := uuid.New()
	expiry := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	job, err := d.Dispatch(context.Background(), dispatch.Event{
		Key:        dispatch.EventGroupInvitationSent,
		ActorID:    uuid.New(),
		Recipients: []uuid.UUID{uuid.New()},
		GroupID:    &groupID,
		GroupName:  "Weekend Hikers",
		ExpiresAt:  &expiry,
	})
	require.NoError(t, err)
	waitForJob(t, job)
	require.NoError(t, job.Err())

	require.Len(t, job.Notifications(), 1)
	n := job.Notifications()[0]
	require.NotNil(t, n.ExpiresAt)
	assert.True(t, n.ExpiresAt.Equal(expiry), "an event's own expiry wins over the default")
}

func TestStopReleasesQueuedJobs(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Not started: the job sits in the queue when Stop runs.
	d := dispatch.NewDispatcher(dispatch.NewRegistry(), st, pub, fastConfig(), log)

	job, err := d.Dispatch(context.Background(), taskAssignedEvent(uuid.New()))
	require.NoError(t, err)

	d.Stop()

	waitForJob(t, job)
	require.Error(t, job.Err())
	assert.Empty(t, job.Notifications())
}

func ptrUUID(id uuid.UUID) *uuid.UUID { return &id }

func TestDispatchQueueFull(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	pub := &capturePublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Not started: nothing drains the queue.
	d := dispatch.NewDispatcher(dispatch.NewRegistry(), st, pub, dispatch.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		WorkerCount: 1,
		QueueSize:   1,
	}, log)

	_, err := d.Dispatch(context.Background(), taskAssignedEvent(uuid.New()))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), taskAssignedEvent(uuid.New()))
	assert.ErrorIs(t, err, dispatch.ErrQueueFull)
}
