package branch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a branch lifecycle transition.
type EventType string

const (
	EventCreated         EventType = "branch.created"
	EventSuspended       EventType = "branch.suspended"
	EventResumed         EventType = "branch.resumed"
	EventDeleted         EventType = "branch.deleted"
	EventRestored        EventType = "branch.restored"
	EventSnapshotSkipped EventType = "branch.snapshot-skipped"
)

// Event describes one confirmed lifecycle transition. Events are emitted
// after the catalog write, so subscribers only ever see committed state.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Branch  string    `json:"branch"`
	Project string    `json:"project"`
	Time    time.Time `json:"time"`
	Detail  string    `json:"detail,omitempty"`
}

type eventBus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

// subscribe registers a buffered subscriber channel and returns it with
// its cancel function. Slow subscribers drop events rather than block
// lifecycle operations.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *eventBus) publish(eventType EventType, branchName, project, detail string) {
	event := Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Branch:  branchName,
		Project: project,
		Time:    time.Now().UTC(),
		Detail:  detail,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
