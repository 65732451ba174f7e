// Package eventbus fans typed orchestrator events out to subscribers:
// in-process channels for SCH/MQ's own diagnostics, and an optional
// HTTP long-poll surface for external collaborators.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the event kinds the orchestrator emits (§4.7).
type Type string

const (
	TaskStatusChanged    Type = "task_status_changed"
	AgentSpawned         Type = "agent_spawned"
	TaskCompleted        Type = "task_completed"
	TaskMerged           Type = "task_merged"
	MergeFailed          Type = "merge_failed"
	OrchestratorStarted  Type = "orchestrator_started"
	OrchestratorStopped  Type = "orchestrator_stopped"
	CoordinationUpdate   Type = "coordination_update"
	FileLocksUpdate      Type = "file_locks_update"
	PlanGenerated        Type = "plan_generated"
	ProjectReset         Type = "project_reset"
)

// Event is one published occurrence: {type, project_id?, data, timestamp}.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is an in-memory, best-effort, per-subscriber-ordered event bus. A
// slow or disconnected subscriber never blocks publication: its channel is
// buffered and publication drops the oldest pending event for that
// subscriber rather than stall the loop, trading history for liveness.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
	seq         uint64

	// history backs the HTTP long-poll surface's "since=<seq>" replay.
	history    []Event
	historyCap int
}

// New constructs a Bus retaining up to historyCap recent events for
// long-poll replay (0 disables replay, subscribers only see live events).
func New(historyCap int) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		historyCap:  historyCap,
	}
}

// Publish emits an event to every live subscriber, in emission order, and
// appends it to the replay history.
func (b *Bus) Publish(typ Type, projectID string, data any) Event {
	ev := Event{
		Seq:       atomic.AddUint64(&b.seq, 1),
		Type:      typ,
		ProjectID: projectID,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.historyCap > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.historyCap {
			b.history = b.history[len(b.history)-b.historyCap:]
		}
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop the oldest queued event to make
			// room rather than block the publishing loop.
			select {
			case <-ch:
				ch <- ev
			default:
			}
		}
	}
	return ev
}

// Subscription is a live, per-subscriber ordered event stream.
type Subscription struct {
	id     int
	bus    *Bus
	Events <-chan Event
}

// Subscribe registers a new subscriber with a bounded buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	return &Subscription{id: id, bus: b, Events: ch}
}

// Unsubscribe disconnects a subscription; publication to it stops
// immediately and SCH/MQ are unaffected.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Since returns buffered history with Seq > since, for the HTTP long-poll
// surface's replay semantics.
func (b *Bus) Since(since uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.history {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}
