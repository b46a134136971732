package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the notification dispatcher.
const (
	EventStepAssigned    = "step_assigned"
	EventAutoApproved    = "auto_approved"
	EventWorkflowOverdue = "workflow_overdue"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Event is a workflow notification about one step of one instance.
type Event struct {
	Type       string
	InstanceID uint64
	Definition string
	EntityType string
	EntityID   uint64
	Status     string
	StepID     uint64
	StepName   string
	DueDate    *time.Time
	Recipients []types.Identity // empty for auto_approved
	OccurredAt time.Time
}

// RecipientIDs returns the IDs of the recipients in order.
func (e Event) RecipientIDs() []uint64 {
	ids := make([]uint64, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		ids = append(ids, r.ID)
	}
	return ids
}

// Emails returns the recipients' non-empty addresses.
func (e Event) Emails() []string {
	emails := make([]string, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		if r.Email != "" {
			emails = append(emails, r.Email)
		}
	}
	return emails
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id        uint64
	eventType string
	handler   EventHandler
}

// EventBus delivers events to subscribers on one background goroutine, in
// publish order. Handlers of a single event run one after another.
type EventBus struct {
	subs       []subscription
	nextID     uint64
	mu         sync.RWMutex
	eventCh    chan Event
	errHandler func(event Event, err error)
	now        func() time.Time
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithLogger routes handler errors to logger.
func WithLogger(logger *zap.Logger) EventBusOption {
	return WithErrorHandler(func(event Event, err error) {
		logger.Error("Event handler failed",
			zap.String("event_type", event.Type),
			zap.Uint64("instance_id", event.InstanceID),
			zap.Error(err))
	})
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.errHandler = handler
		}
	}
}

// WithClock replaces time.Now for stamping OccurredAt.
func WithClock(now func() time.Time) EventBusOption {
	return func(eb *EventBus) {
		if now != nil {
			eb.now = now
		}
	}
}

// NewEventBus creates an EventBus and starts its delivery goroutine.
// The default buffer holds 100 events and errors go to the global zap logger.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
		now:        time.Now,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType, or for every type with AllEvents.
// The returned func removes the subscription.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})
	return func() { eb.unsubscribe(id) }
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) func() {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
			return
		}
	}
}

// HasSubscribers reports whether any handler receives eventType.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	return len(eb.handlersFor(eventType)) > 0
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var handlers []EventHandler
	for _, s := range eb.subs {
		if s.eventType == eventType || s.eventType == AllEvents {
			handlers = append(handlers, s.handler)
		}
	}
	return handlers
}

// Publish queues event for delivery and returns without waiting for handlers.
// A zero OccurredAt is stamped with the bus clock.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = eb.now()
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop refuses further events, delivers the queued ones and waits.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		for _, h := range eb.handlersFor(event.Type) {
			if err := deliver(h, event); err != nil {
				eb.errHandler(event, err)
			}
		}
	}
}

// deliver runs one handler, turning a panic into an error.
func deliver(h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(context.Background(), event)
}

// defaultErrorHandler logs errors with stack traces through the global logger.
func defaultErrorHandler(event Event, err error) {
	zap.L().Error("Error handling event",
		zap.String("event_type", event.Type),
		zap.Uint64("instance_id", event.InstanceID),
		zap.Error(err),
		zap.Stack("stack"))
}
