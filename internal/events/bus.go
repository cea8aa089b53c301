package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Category string

const (
	FundingUpdate Category = "FUNDING_UPDATE"
	CommandResult Category = "COMMAND_RESULT"
	EngineStatus  Category = "ENGINE_STATUS"
	EngineError   Category = "ENGINE_ERROR"
)

type Event struct {
	Category Category
	At       time.Time
	Payload  any
}

// Bus fans events out over bounded per-subscriber channels. Producers never
// block on slow consumers: a full channel drops its oldest event first.
type Bus struct {
	size int
	log  *zap.Logger

	mu      sync.RWMutex
	subs    map[Category][]chan Event
	dropped atomic.Uint64
}

func NewBus(size int, log *zap.Logger) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		size: size,
		log:  log,
		subs: make(map[Category][]chan Event),
	}
}

func (b *Bus) Subscribe(category Category) <-chan Event {
	ch := make(chan Event, b.size)
	b.mu.Lock()
	b.subs[category] = append(b.subs[category], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(category Category, payload any) {
	event := Event{Category: category, At: time.Now().UTC(), Payload: payload}
	b.mu.RLock()
	subs := b.subs[category]
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- event:
			continue
		default:
		}
		// full: evict the oldest and retry once
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
