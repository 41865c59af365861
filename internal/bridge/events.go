package bridge

import (
	"encoding/json"
	"sync"

	"github.com/gaspardpetit/acpx/internal/metrics"
)

// Event is one transcript entry: a JSON-RPC message observed in either
// direction, stamped with a strictly increasing sequence id.
type Event struct {
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// eventLog is a capped ring of the protocol transcript with live fan-out.
// The oldest entry is evicted when capacity is exceeded; sequence ids are
// never reused. Subscribers that cannot keep up are dropped.
type eventLog struct {
	mu      sync.Mutex
	cap     int
	events  []Event
	nextSeq uint64
	subs    map[uint64]chan Event
	nextSub uint64
	closed  bool
	forward func(Event)
}

func newEventLog(capacity int, forward func(Event)) *eventLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &eventLog{cap: capacity, subs: map[uint64]chan Event{}, forward: forward}
}

// Append stamps payload with the next sequence id, stores it, fans it out
// to live subscribers and hands it to the sink forwarder, all in order.
func (l *eventLog) Append(payload json.RawMessage) Event {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	ev := Event{Seq: l.nextSeq, Payload: buf}
	l.nextSeq++
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// slow or dead subscriber; drop it without affecting others
			delete(l.subs, id)
			close(ch)
		}
	}
	if l.forward != nil {
		l.forward(ev)
	}
	metrics.RecordEvent()
	return ev
}

// SubscribeFrom atomically snapshots every buffered event with Seq > after
// and registers a live subscription, so no event is lost or duplicated
// between replay and stream. Pass a negative value to replay everything.
func (l *eventLog) SubscribeFrom(after int64) ([]Event, <-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var replay []Event
	for _, ev := range l.events {
		if after < 0 || ev.Seq > uint64(after) {
			replay = append(replay, ev)
		}
	}
	ch := make(chan Event, 256)
	if l.closed {
		close(ch)
		return replay, ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return replay, ch, cancel
}

// CloseSubscribers drops every live subscription. Buffered events remain
// replayable afterwards.
func (l *eventLog) CloseSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

// NextSeq returns the sequence id the next event will receive.
func (l *eventLog) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Len returns the number of buffered events.
func (l *eventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
