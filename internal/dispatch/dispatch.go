// Package dispatch implements the Dispatch external interface:
// a send-a-notification-to-agent channel. An in-process reference
// implementation is provided for tests and single-binary deployments; a
// github.com/gorilla/websocket transport adapts the same interface to
// remote agent processes.
package dispatch

import (
	"context"
	"sync"
)

// Kind names the category of a dispatched notification.
type Kind string

const (
	KindTaskAssignment Kind = "task-assignment"
	KindHealthAlert    Kind = "health-alert"
)

// Notification is one message sent to an agent.
type Notification struct {
	AgentID  string
	Kind     Kind
	Content  string
	Metadata map[string]any
}

// Dispatch is the interface the core consumes.
type Dispatch interface {
	NotifyAgent(ctx context.Context, agentID string, kind Kind, content string, metadata map[string]any) error
}

// InProcess is a Dispatch that records notifications in memory and,
// optionally, forwards them to per-agent subscriber channels — enough to
// drive unit tests and a single-process deployment without a real
// transport.
type InProcess struct {
	mu            sync.Mutex
	sent          []Notification
	subscribers   map[string][]chan Notification
}

// NewInProcess constructs an empty InProcess dispatcher.
func NewInProcess() *InProcess {
	return &InProcess{subscribers: make(map[string][]chan Notification)}
}

func (d *InProcess) NotifyAgent(ctx context.Context, agentID string, kind Kind, content string, metadata map[string]any) error {
	n := Notification{AgentID: agentID, Kind: kind, Content: content, Metadata: metadata}

	d.mu.Lock()
	d.sent = append(d.sent, n)
	subs := append([]chan Notification(nil), d.subscribers[agentID]...)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Sent returns every notification recorded so far, for test assertions.
func (d *InProcess) Sent() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.sent...)
}

// Subscribe returns a channel receiving future notifications for agentID.
func (d *InProcess) Subscribe(agentID string) <-chan Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan Notification, 16)
	d.subscribers[agentID] = append(d.subscribers[agentID], ch)
	return ch
}
