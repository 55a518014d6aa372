package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event raised by sessions, the registry and
// pollers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Session is the registry name or session id, if applicable.
	Session string `json:"session,omitempty"`

	// Host is the remote endpoint, if applicable.
	Host string `json:"host,omitempty"`

	// Path is the remote path, if applicable.
	Path string `json:"path,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeSessionConnected = "session.connected"
	EventTypeSessionLost      = "session.lost"
	EventTypeSessionClosed    = "session.closed"
	EventTypeFileTransferred  = "file.transferred"
	EventTypeFileProcessed    = "file.processed"
	EventTypePollCompleted    = "poll.completed"
	EventTypePollFailed       = "poll.failed"
	EventTypeError            = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A nil or
// disabled publisher accepts and drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSessionConnected publishes a session connected event.
func (ep *EventPublisher) PublishSessionConnected(session, host string, generation uint64) error {
	return ep.Publish(Event{
		Type:    EventTypeSessionConnected,
		Source:  "session",
		Session: session,
		Host:    host,
		Message: fmt.Sprintf("Session %s connected to %s", session, host),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"generation": generation,
		},
	})
}

// PublishSessionLost publishes an event for a session whose link died
// without a local disconnect.
func (ep *EventPublisher) PublishSessionLost(session, host, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeSessionLost,
		Source:  "session",
		Session: session,
		Host:    host,
		Message: fmt.Sprintf("Session %s lost connection to %s: %s", session, host, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSessionClosed publishes a session closed event.
func (ep *EventPublisher) PublishSessionClosed(session, host string) error {
	return ep.Publish(Event{
		Type:    EventTypeSessionClosed,
		Source:  "session",
		Session: session,
		Host:    host,
		Message: fmt.Sprintf("Session %s closed", session),
		Level:   EventLevelInfo,
	})
}

// PublishFileTransferred publishes a completed file transfer.
func (ep *EventPublisher) PublishFileTransferred(session, path, direction string, bytes int64, checksum string) error {
	return ep.Publish(Event{
		Type:    EventTypeFileTransferred,
		Source:  "transfer",
		Session: session,
		Path:    path,
		Message: fmt.Sprintf("%s %s (%d bytes)", direction, path, bytes),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"direction": direction,
			"bytes":     bytes,
			"checksum":  checksum,
		},
	})
}

// PublishFileProcessed publishes a file taken by a poller.
func (ep *EventPublisher) PublishFileProcessed(poller, path, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeFileProcessed,
		Source:  "poller",
		Session: poller,
		Path:    path,
		Message: fmt.Sprintf("Poller %s processed %s (%s)", poller, path, action),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"action": action,
		},
	})
}

// PublishPollCompleted publishes a finished poll cycle.
func (ep *EventPublisher) PublishPollCompleted(poller, dir string, files int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePollCompleted,
		Source:  "poller",
		Session: poller,
		Path:    dir,
		Message: fmt.Sprintf("Poller %s processed %d files in %s", poller, files, dir),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"files":    files,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPollFailed publishes a failed poll cycle.
func (ep *EventPublisher) PublishPollFailed(poller, dir, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePollFailed,
		Source:  "poller",
		Session: poller,
		Path:    dir,
		Message: fmt.Sprintf("Poller %s failed on %s: %s", poller, dir, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in batches. A partial batch is flushed
// every FlushInterval and on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher, delivering anything
// still buffered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one session.
func FilterBySession(session string) EventFilter {
	return func(event Event) bool {
		return event.Session == session
	}
}

// FilterByHost creates a filter that only allows events for one host.
func FilterByHost(host string) EventFilter {
	return func(event Event) bool {
		return event.Host == host
	}
}
