// Package events provides the in-process event gateway that decouples the
// services producing realtime events from the transport layer delivering
// them. Publishing never blocks the caller and a misbehaving subscriber
// cannot affect the publisher or other subscribers.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/relayhq/relay-api/internal/platform/logger"
)

// Publisher is the producer-facing side of the gateway. Services hold this
// narrow interface so they can publish without knowledge of subscribers.
type Publisher interface {
	// Publish delivers the event to every subscriber of its topic. Delivery
	// is asynchronous; Publish returns before any subscriber runs.
	Publish(ctx context.Context, event Event)
}

// Subscriber receives events for the topics it subscribed to.
type Subscriber func(ctx context.Context, event Event)

// Gateway is an in-process pub/sub hub. The zero value is not usable; use
// NewGateway.
type Gateway struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[Topic]map[int]Subscriber
	enabled bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

var _ Publisher = (*Gateway)(nil)

// NewGateway creates a gateway. When enabled is false, Publish is a no-op;
// services stay wired but nothing is delivered.
func NewGateway(log *slog.Logger, enabled bool) *Gateway {
	return &Gateway{
		subs:    make(map[Topic]map[int]Subscriber),
		enabled: enabled,
		logger:  log.With(slog.String("component", "event_gateway")),
	}
}

// Subscribe registers fn for the given topic and returns an unsubscribe
// function. Unsubscribing is idempotent.
func (g *Gateway) Subscribe(topic Topic, fn Subscriber) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++

	if g.subs[topic] == nil {
		g.subs[topic] = make(map[int]Subscriber)
	}
	g.subs[topic][id] = fn

	g.logger.Debug("subscriber registered",
		slog.String("topic", string(topic)),
		slog.Int("subscriber_count", len(g.subs[topic])))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subs[topic], id)
		})
	}
}

// Publish implements Publisher. Delivery happens on a single goroutine per
// event, running subscribers in subscription order; a panic in one is
// recovered and logged without affecting the rest.
func (g *Gateway) Publish(ctx context.Context, event Event) {
	if g == nil || !g.enabled {
		return
	}

	topic := event.EventTopic()

	g.mu.RLock()
	ids := make([]int, 0, len(g.subs[topic]))
	for id := range g.subs[topic] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subscribers := make([]Subscriber, len(ids))
	for i, id := range ids {
		subscribers[i] = g.subs[topic][id]
	}
	g.mu.RUnlock()

	log := logger.FromContext(ctx)
	if len(subscribers) == 0 {
		log.Debug("no subscribers for topic", slog.String("topic", string(topic)))
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for _, fn := range subscribers {
			g.deliver(ctx, log, topic, fn, event)
		}
	}()
}

func (g *Gateway) deliver(ctx context.Context, log *slog.Logger, topic Topic, fn Subscriber, event Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("subscriber panicked",
				slog.String("topic", string(topic)),
				slog.Any("panic", p))
		}
	}()
	fn(ctx, event)
}

// Wait blocks until all in-flight deliveries complete. Used during shutdown
// and in tests.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
