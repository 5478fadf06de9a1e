package events

import (
	"sync"
	"time"
)

// EventType classifies an orchestrator event
type EventType string

const (
	EventTaskClaimed       EventType = "task.claimed"
	EventTaskReleased      EventType = "task.released"
	EventTaskTransitioned  EventType = "task.transitioned"
	EventTaskFailed        EventType = "task.failed"
	EventTaskCompleted     EventType = "task.completed"
	EventAgentSpawned      EventType = "agent.spawned"
	EventAgentFinished     EventType = "agent.finished"
	EventAgentResultBroken EventType = "agent.result_broken"
	EventSandboxCreated    EventType = "sandbox.created"
	EventSandboxDestroyed  EventType = "sandbox.destroyed"
	EventJobFailed         EventType = "job.failed"
	EventTickCompleted     EventType = "tick.completed"
)

// Event is one orchestrator occurrence. The identifying fields are set where
// they apply; Detail carries the human-readable specifics (transition key,
// outcome, failure reason).
type Event struct {
	Type       EventType
	Time       time.Time
	TaskID     string
	Blueprint  string
	InstanceID string
	Detail     string
}

// Subscriber receives matching events. Slow subscribers lose events rather
// than stalling the orchestrator.
type Subscriber chan *Event

type subscription struct {
	ch    Subscriber
	types map[EventType]bool // empty = all
}

// Broker fans orchestrator events out to subscribers. Publishing never
// blocks: the intake buffer absorbs bursts and a full subscriber simply
// misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   []*subscription
	intake chan *Event
	stop   chan struct{}
	once   sync.Once
}

// NewBroker creates an event broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		intake: make(chan *Event, 100),
		stop:   make(chan struct{}),
	}
}

// Start launches the distribution loop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.intake:
				b.fanout(ev)
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop shuts the broker down; further publishes are discarded
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stop) })
}

// Subscribe registers interest in the given event types; no types means all.
// The returned channel is owned by the broker until Unsubscribe.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	sub := &subscription{ch: make(Subscriber, 50), types: map[EventType]bool{}}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes and closes the subscription
func (b *Broker) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish submits an event, stamping the time if unset. Never blocks.
func (b *Broker) Publish(ev *Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case b.intake <- ev:
	case <-b.stop:
	default:
		// Intake full; the event log is best-effort
	}
}

func (b *Broker) fanout(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
