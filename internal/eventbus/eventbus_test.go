package eventbus

import (
	"sync"
	"testing"
	"time"
)

const recvTimeout = 200 * time.Millisecond

func mustReceive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before an event arrived")
		}
		return ev
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// ---
// Publish* convenience methods — IdGen and HealthSteward contracts
// ---

func TestConveniencePublishersSetExpectedFields(t *testing.T) {
	cases := []struct {
		name    string
		publish func(b *Bus)
		want    Event
	}{
		{
			name:    "generation started",
			publish: func(b *Bus) { b.PublishGenerationStarted("rapid") },
			want:    Event{Type: EventGenerationStarted, Identifier: "rapid"},
		},
		{
			name:    "generation completed",
			publish: func(b *Bus) { b.PublishGenerationCompleted("rapid", "el-abc1") },
			want:    Event{Type: EventGenerationCompleted, Identifier: "rapid", ID: "el-abc1"},
		},
		{
			name:    "generation failed",
			publish: func(b *Bus) { b.PublishGenerationFailed("rapid", "exhausted") },
			want:    Event{Type: EventGenerationFailed, Identifier: "rapid", Data: "exhausted"},
		},
		{
			name:    "collision detected",
			publish: func(b *Bus) { b.PublishCollisionDetected("rapid", 2, 5) },
			want:    Event{Type: EventCollisionDetected, Identifier: "rapid", Nonce: 2, HashLength: 5},
		},
		{
			name:    "nonce increment",
			publish: func(b *Bus) { b.PublishNonceIncrement("rapid", 3) },
			want:    Event{Type: EventNonceIncrement, Identifier: "rapid", Nonce: 3},
		},
		{
			name:    "length increase",
			publish: func(b *Bus) { b.PublishLengthIncrease("rapid", 6) },
			want:    Event{Type: EventLengthIncrease, Identifier: "rapid", HashLength: 6},
		},
		{
			name:    "check completed",
			publish: func(b *Bus) { b.PublishCheckCompleted("scan-result") },
			want:    Event{Type: EventCheckCompleted, Data: "scan-result"},
		},
		{
			name:    "issue detected",
			publish: func(b *Bus) { b.PublishIssueDetected("agent-1", "no_output") },
			want:    Event{Type: EventIssueDetected, AgentID: "agent-1", Data: "no_output"},
		},
		{
			name:    "issue resolved",
			publish: func(b *Bus) { b.PublishIssueResolved("agent-1", "no_output") },
			want:    Event{Type: EventIssueResolved, AgentID: "agent-1", Data: "no_output"},
		},
		{
			name:    "action taken",
			publish: func(b *Bus) { b.PublishActionTaken("agent-1", "send_ping") },
			want:    Event{Type: EventActionTaken, AgentID: "agent-1", Data: "send_ping"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := New()
			defer bus.Close()

			events, unsub := bus.Subscribe()
			defer unsub()

			tc.publish(bus)
			got := mustReceive(t, events)
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

// ---
// Subscribe / fan-out
// ---

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	const n = 3
	chans := make([]<-chan Event, n)
	for i := range chans {
		ch, unsub := bus.Subscribe()
		defer unsub()
		chans[i] = ch
	}

	bus.PublishIssueDetected("agent-1", nil)

	var wg sync.WaitGroup
	received := make([]bool, n)
	for i, ch := range chans {
		wg.Add(1)
		go func(i int, ch <-chan Event) {
			defer wg.Done()
			select {
			case ev := <-ch:
				received[i] = ev.Type == EventIssueDetected
			case <-time.After(recvTimeout):
			}
		}(i, ch)
	}
	wg.Wait()

	for i, ok := range received {
		if !ok {
			t.Errorf("subscriber %d did not receive the event", i)
		}
	}
}

func TestSubscribeIsolatesChannels(t *testing.T) {
	bus := New()
	defer bus.Close()

	idgenEvents, unsubIdgen := bus.Subscribe()
	defer unsubIdgen()
	healthEvents, unsubHealth := bus.Subscribe()
	defer unsubHealth()

	bus.PublishGenerationStarted("rapid")

	got := mustReceive(t, idgenEvents)
	if got.Type != EventGenerationStarted {
		t.Errorf("idgen subscriber got %v, want EventGenerationStarted", got.Type)
	}

	// Each subscriber has its own buffered channel: the first subscriber
	// consuming the event does not take it away from the second.
	got = mustReceive(t, healthEvents)
	if got.Type != EventGenerationStarted {
		t.Errorf("health subscriber got %v, want its own copy of EventGenerationStarted", got.Type)
	}
}

// ---
// Unsubscribe / Close
// ---

func TestUnsubscribeClosesTheChannel(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	unsub()

	_, ok := <-events
	if ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	defer bus.Close()

	_, unsub := bus.Subscribe()
	unsub()
	unsub() // must not panic on double-close
}

func TestCloseClosesAllSubscriberChannels(t *testing.T) {
	bus := New()

	a, _ := bus.Subscribe()
	b, _ := bus.Subscribe()
	bus.Close()

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		if _, ok := <-ch; ok {
			t.Errorf("channel %s still open after Close", name)
		}
	}
}

func TestPublishAfterCloseIsANoOp(t *testing.T) {
	bus := New()
	events, _ := bus.Subscribe()
	bus.Close()

	bus.PublishGenerationStarted("rapid") // must not panic or reopen anything

	if m := bus.Metrics(); m.EventsPublished != 0 {
		t.Errorf("EventsPublished = %d after Close, want 0", m.EventsPublished)
	}
	if _, ok := <-events; ok {
		t.Error("subscriber channel reopened by a post-Close publish")
	}
}

// ---
// SubscriberCount
// ---

func TestSubscriberCountTracksSubscribeAndUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}

	_, unsub1 := bus.Subscribe()
	if got := bus.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	_, unsub2 := bus.Subscribe()
	if got := bus.SubscriberCount(); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}

	unsub1()
	if got := bus.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d after one unsubscribe, want 1", got)
	}

	unsub2()
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after both unsubscribed, want 0", got)
	}
}

// ---
// Non-blocking delivery and drop accounting
// ---

func TestPublishNeverBlocksOnAFullSubscriberBuffer(t *testing.T) {
	bus := New()
	defer bus.Close()

	_, _ = bus.Subscribe() // never drained, buffer fills and then drops

	for i := 0; i < subscriberBufferSize; i++ {
		bus.PublishGenerationStarted("rapid")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 25; i++ {
			bus.PublishGenerationStarted("overflow")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(recvTimeout):
		t.Fatal("Publish blocked once the subscriber buffer filled")
	}
}

func TestMetricsCountDeliveredAndDroppedSeparately(t *testing.T) {
	bus := New()
	defer bus.Close()

	_, _ = bus.Subscribe()

	const over = 15
	total := subscriberBufferSize + over
	for i := 0; i < total; i++ {
		bus.PublishGenerationStarted("rapid")
	}

	m := bus.Metrics()
	if int(m.EventsPublished) != total {
		t.Errorf("EventsPublished = %d, want %d", m.EventsPublished, total)
	}
	if int(m.EventsDelivered) != subscriberBufferSize {
		t.Errorf("EventsDelivered = %d, want %d (buffer capacity)", m.EventsDelivered, subscriberBufferSize)
	}
	if int(m.EventsDropped) != over {
		t.Errorf("EventsDropped = %d, want %d", m.EventsDropped, over)
	}
}

// ---
// Metrics — subscriber accounting
// ---

func TestMetricsTracksActiveAndTotalSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	m := bus.Metrics()
	if m.SubscribersActive != 0 || m.SubscribersTotal != 0 {
		t.Fatalf("fresh bus metrics = %+v, want all zero", m)
	}

	events, unsub := bus.Subscribe()
	m = bus.Metrics()
	if m.SubscribersActive != 1 {
		t.Errorf("SubscribersActive = %d, want 1", m.SubscribersActive)
	}
	if m.SubscribersTotal != 1 {
		t.Errorf("SubscribersTotal = %d, want 1", m.SubscribersTotal)
	}

	bus.PublishGenerationStarted("rapid")
	mustReceive(t, events)

	m = bus.Metrics()
	if m.EventsPublished != 1 || m.EventsDelivered != 1 || m.EventsDropped != 0 {
		t.Errorf("got %+v, want 1 published, 1 delivered, 0 dropped", m)
	}

	unsub()
	m = bus.Metrics()
	if m.SubscribersActive != 0 {
		t.Errorf("SubscribersActive = %d after unsubscribe, want 0", m.SubscribersActive)
	}
	if m.SubscribersTotal != 1 {
		t.Errorf("SubscribersTotal = %d after unsubscribe, want 1 (cumulative)", m.SubscribersTotal)
	}
}
