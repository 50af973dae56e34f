// Package eventbus is the synchronous pub/sub bus the core uses for its
// observability contract (IdGen's generation_* events, the health
// steward's check/issue/action events). Subscriptions are not filtered by
// kind: every subscriber receives every published event. Delivery is synchronous and
// non-blocking per subscriber: a full subscriber buffer drops the event
// rather than stalling the publisher, mirroring the "events are dispatched
// synchronously but callers must not mutate service state inside them"
// contract in the core's concurrency model.
package eventbus

import "sync"

// EventType names one of the event kinds the core emits.
type EventType string

const (
	// IdGen observability events.
	EventGenerationStarted   EventType = "generation_started"
	EventGenerationCompleted EventType = "generation_completed"
	EventGenerationFailed    EventType = "generation_failed"
	EventCollisionDetected   EventType = "collision_detected"
	EventNonceIncrement      EventType = "nonce_increment"
	EventLengthIncrease      EventType = "length_increase"

	// HealthSteward observability events.
	EventCheckCompleted EventType = "check:completed"
	EventIssueDetected  EventType = "issue:detected"
	EventIssueResolved  EventType = "issue:resolved"
	EventActionTaken    EventType = "action:taken"
)

// Event is the payload delivered to subscribers. Fields not relevant to a
// given Type are left zero.
type Event struct {
	Type EventType

	Identifier string // IdGen: the identifier being generated
	ID         string // IdGen: the resulting/attempted id
	Nonce      int
	HashLength int
	Attempt    int

	AgentID string // health: agent this event concerns
	TaskID  string
	Data    any // free-form payload (ScanResult, HealthIssue, Action, ...)
}

const subscriberBufferSize = 100

type subscriber struct {
	ch     chan Event
	closed bool
}

// Metrics reports cumulative bus activity, queryable by operators.
type Metrics struct {
	EventsPublished   uint64
	EventsDelivered   uint64
	EventsDropped     uint64
	SubscribersActive int
	SubscribersTotal  uint64
}

// Bus is a synchronous, multi-subscriber, per-subscriber-buffered event
// bus. The zero value is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	closed      bool

	published uint64
	delivered uint64
	dropped   uint64
	totalSubs uint64
}

// New constructs an empty, open Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function that closes the channel. Safe to call
// concurrently with Publish.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	b.subscribers[id] = sub
	b.totalSubs++

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, unsub
}

// Publish delivers ev to every current subscriber without blocking; a
// subscriber whose buffer is full has the event dropped for it (counted
// in Metrics.EventsDropped) rather than stalling the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published++
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			b.delivered++
		default:
			b.dropped++
		}
	}
}

// SubscriberCount reports the number of currently-subscribed channels.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Metrics returns a snapshot of cumulative bus activity.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		EventsPublished:   b.published,
		EventsDelivered:   b.delivered,
		EventsDropped:     b.dropped,
		SubscribersActive: len(b.subscribers),
		SubscribersTotal:  b.totalSubs,
	}
}

// Close closes every subscriber channel and marks the bus closed; further
// Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subscribers, id)
	}
}

// Convenience publishers for IdGen's observability contract.

func (b *Bus) PublishGenerationStarted(identifier string) {
	b.Publish(Event{Type: EventGenerationStarted, Identifier: identifier})
}

func (b *Bus) PublishGenerationCompleted(identifier, id string) {
	b.Publish(Event{Type: EventGenerationCompleted, Identifier: identifier, ID: id})
}

func (b *Bus) PublishGenerationFailed(identifier string, data any) {
	b.Publish(Event{Type: EventGenerationFailed, Identifier: identifier, Data: data})
}

func (b *Bus) PublishCollisionDetected(identifier string, nonce, hashLength int) {
	b.Publish(Event{Type: EventCollisionDetected, Identifier: identifier, Nonce: nonce, HashLength: hashLength})
}

func (b *Bus) PublishNonceIncrement(identifier string, nonce int) {
	b.Publish(Event{Type: EventNonceIncrement, Identifier: identifier, Nonce: nonce})
}

func (b *Bus) PublishLengthIncrease(identifier string, hashLength int) {
	b.Publish(Event{Type: EventLengthIncrease, Identifier: identifier, HashLength: hashLength})
}

// Convenience publishers for HealthSteward's observability contract.

func (b *Bus) PublishCheckCompleted(data any) {
	b.Publish(Event{Type: EventCheckCompleted, Data: data})
}

func (b *Bus) PublishIssueDetected(agentID string, data any) {
	b.Publish(Event{Type: EventIssueDetected, AgentID: agentID, Data: data})
}

func (b *Bus) PublishIssueResolved(agentID string, data any) {
	b.Publish(Event{Type: EventIssueResolved, AgentID: agentID, Data: data})
}

func (b *Bus) PublishActionTaken(agentID string, data any) {
	b.Publish(Event{Type: EventActionTaken, AgentID: agentID, Data: data})
}
