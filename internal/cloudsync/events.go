package cloudsync

import "sync"

type EventType string

const (
	// EventRestored fires after remote state replaced the local scopes.
	// Subscribers must reload everything they derived from them.
	EventRestored EventType = "restored"
	// EventStatusChanged fires whenever the bookkeeping changes.
	EventStatusChanged EventType = "status_changed"
)

type Event struct {
	Type        EventType   `json:"type"`
	Bookkeeping Bookkeeping `json:"bookkeeping"`
}

// broadcaster fans events out to subscribers. Slow subscribers miss events
// rather than block a sync cycle.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
