// Package events implements the engine's event bus: a single-producer,
// multi-consumer dispatcher (§4.— Event bus, §6 Event subscription API).
//
// Per the redesign guidance in §9, subscribers are tracked through an
// explicit Subscription handle rather than the source's weak-reference
// trick; dropping the handle (calling Unsubscribe) removes the
// subscription deterministically.
package events

import (
	"sync"
	"time"

	"github.com/jandresen/hlsdl/internal/util"
)

// Kind is the closed set of event kinds subscribers register for (§6).
type Kind int

const (
	KindTaskProgress Kind = iota
	KindTaskStatusChanged
	KindTaskCompleted
	KindTaskFailed
	KindErrorOccurred
	KindBandwidthUpdate
	KindDownloadStarted
	KindDownloadPaused
	KindDownloadResumed
	KindDownloadCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTaskProgress:
		return "TASK_PROGRESS"
	case KindTaskStatusChanged:
		return "TASK_STATUS_CHANGED"
	case KindTaskCompleted:
		return "TASK_COMPLETED"
	case KindTaskFailed:
		return "TASK_FAILED"
	case KindErrorOccurred:
		return "ERROR_OCCURRED"
	case KindBandwidthUpdate:
		return "BANDWIDTH_UPDATE"
	case KindDownloadStarted:
		return "DOWNLOAD_STARTED"
	case KindDownloadPaused:
		return "DOWNLOAD_PAUSED"
	case KindDownloadResumed:
		return "DOWNLOAD_RESUMED"
	case KindDownloadCanceled:
		return "DOWNLOAD_CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Event is the tagged value carried through the bus (§3 Event).
type Event struct {
	Kind      Kind
	TaskID    string
	Payload   any
	Source    string
	Timestamp time.Time
}

// Callback receives delivered events. It must not block for long: all
// callbacks run one after another on the bus's single dispatch
// goroutine, so a slow callback delays delivery to the subscribers after
// it and to later events. It never blocks the producer (emissions never
// block).
type Callback func(Event)

// Subscription is the explicit handle returned by Subscribe. Calling
// Unsubscribe removes the callback; it is idempotent.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
}

// Unsubscribe removes this subscription from the bus. Safe to call more
// than once and safe to call concurrently with event delivery.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.kind, s.id)
}

type entry struct {
	id uint64
	cb Callback
}

// Bus is the engine's event dispatcher. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Kind][]entry
	nextID    uint64
	queue     chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBus creates a Bus with a buffered delivery queue and starts its
// drain loop on a dedicated goroutine, matching the "dedicated event loop"
// requirement of §5.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		subs:   make(map[Kind][]entry),
		queue:  make(chan Event, queueSize),
		closed: make(chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe registers cb for events of the given kind and returns a handle
// that removes the registration when Unsubscribe is called.
func (b *Bus) Subscribe(kind Kind, cb Callback) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], entry{id: id, cb: cb})
	return &Subscription{bus: b, kind: kind, id: id}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, e := range list {
		if e.id == id {
			b.subs[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event for delivery. It never blocks the caller on
// subscriber execution; if the internal queue is full the event is
// dropped and logged rather than blocking the producer, since emissions
// must never block task-worker progress.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.queue <- ev:
	default:
		util.Warnf("events: queue full, dropping %s event for task %s", ev.Kind, ev.TaskID)
	}
}

func (b *Bus) loop() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.closed:
			return
		}
	}
}

// dispatch invokes each subscriber for ev's kind. Subscriber panics are
// recovered and logged in isolation; they never reach the producer or
// other subscribers (§4.— Event bus, §7 propagation rules).
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	list := append([]entry(nil), b.subs[ev.Kind]...)
	b.mu.RUnlock()

	for _, e := range list {
		func(cb Callback) {
			defer func() {
				if r := recover(); r != nil {
					util.Errorf("events: subscriber panic on %s: %v", ev.Kind, r)
				}
			}()
			cb(ev)
		}(e.cb)
	}
}

// Close stops the dispatcher's drain loop. Pending queued events are
// discarded. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
