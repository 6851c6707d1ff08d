package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/gridwire/internal/metrics"
)

// EventKind identifies the shape of a WorldEvent's Data field.
type EventKind int

const (
	EventChat EventKind = iota
	EventObjectUpdate
	EventRegionHandshake
	EventTeleportProgress
	EventTeleportFinish
	EventConnectionStatus
	EventErrorOccurred
	EventInventory
	EventLagged
)

func (k EventKind) String() string {
	switch k {
	case EventChat:
		return "Chat"
	case EventObjectUpdate:
		return "ObjectUpdate"
	case EventRegionHandshake:
		return "RegionHandshake"
	case EventTeleportProgress:
		return "TeleportProgress"
	case EventTeleportFinish:
		return "TeleportFinish"
	case EventConnectionStatus:
		return "ConnectionStatus"
	case EventErrorOccurred:
		return "ErrorOccurred"
	case EventInventory:
		return "Inventory"
	case EventLagged:
		return "Lagged"
	default:
		return "Unknown"
	}
}

// WorldEvent is one application-oriented event published on the Bus.
type WorldEvent struct {
	Kind EventKind
	Time time.Time
	Data any
}

// LaggedInfo is the Data payload of an EventLagged event: how many events
// were dropped for this subscriber before it caught up.
type LaggedInfo struct {
	Skipped uint64
}

// ConnectionStatus is the Data payload of an EventConnectionStatus event.
type ConnectionStatus struct {
	Connected bool
	Reason    string
}

type subscriber struct {
	ch      chan WorldEvent
	dropped atomic.Uint64
}

// Bus is a multi-producer, multi-consumer broadcast channel of bounded
// capacity. A subscriber that falls behind does not block publishers or
// other subscribers; instead it drops events and is informed via a
// synthetic EventLagged event carrying the skipped count.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	capacity int
	metrics  *metrics.Metrics
}

// NewBus constructs a Bus with the given per-subscriber channel capacity.
func NewBus(capacity int, m *metrics.Metrics) *Bus {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Bus{
		subs:     make(map[int]*subscriber),
		capacity: capacity,
		metrics:  m,
	}
}

// Subscribe registers a new consumer and returns its event channel and a
// cancel function to unsubscribe. The channel is closed once cancel runs.
func (b *Bus) Subscribe() (<-chan WorldEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &subscriber{ch: make(chan WorldEvent, b.capacity)}
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish delivers ev to every current subscriber, non-blocking.
func (b *Bus) Publish(ev WorldEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev WorldEvent) {
	if d := s.dropped.Load(); d > 0 {
		lag := WorldEvent{Kind: EventLagged, Time: time.Now(), Data: LaggedInfo{Skipped: d}}
		select {
		case s.ch <- lag:
			s.dropped.Store(0)
		default:
			s.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.RecordEventBusLag()
			}
			return
		}
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.RecordEventBusLag()
		}
	}
}

// Close unsubscribes and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
