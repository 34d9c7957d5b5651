package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Subscriber is a function that handles engine events.
type Subscriber func(event *engine.Event)

// Filter determines if an event should be delivered.
type Filter func(event *engine.Event) bool

// Bus fans engine events out to subscribers. It implements
// engine.EventPublisher, so RunnerDeps.Events can point straight at it.
// With EnableAsync the bus buffers events and delivers from a worker
// goroutine; a full buffer drops the event rather than blocking the
// executor.
type Bus struct {
	config      EventsConfig
	buffer      chan *engine.Event
	subscribers []subscriberEntry
	filters     []Filter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber Subscriber
	filter     Filter
}

// NewBus creates a new event bus with the given configuration.
func NewBus(cfg EventsConfig) (*Bus, error) {
	if !cfg.Enabled {
		return &Bus{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		config: cfg,
		buffer: make(chan *engine.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		b.wg.Add(1)
		go b.deliverLoop()
	}

	return b, nil
}

// Publish delivers an event to all subscribers.
func (b *Bus) Publish(ctx context.Context, event *engine.Event) error {
	if !b.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	for _, filter := range b.filters {
		if !filter(event) {
			b.mu.RUnlock()
			return nil
		}
	}
	b.mu.RUnlock()

	if b.config.EnableAsync {
		select {
		case b.buffer <- event:
			return nil
		case <-b.ctx.Done():
			return fmt.Errorf("event bus stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	b.deliver(event)
	return nil
}

// Subscribe adds a new event subscriber with an optional filter.
func (b *Bus) Subscribe(subscriber Subscriber, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (b *Bus) AddFilter(filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filters = append(b.filters, filter)
}

// deliverLoop drains the buffer and delivers events until shutdown.
func (b *Bus) deliverLoop() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.ctx.Done():
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver hands an event to every matching subscriber.
func (b *Bus) deliver(event *engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the bus, draining buffered events first.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.config.Enabled {
		return nil
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a given
// severity or higher.
func FilterByLevel(minLevel string) Filter {
	levels := map[string]int{
		"info":    0,
		"warning": 1,
		"error":   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) Filter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one session.
func FilterBySession(sessionID string) Filter {
	return func(event *engine.Event) bool {
		return event.SessionID == sessionID
	}
}
