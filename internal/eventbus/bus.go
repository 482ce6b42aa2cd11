// Package eventbus fans run events out to per-project subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/codedock/schema"
	"pkt.systems/pslog"
)

// Bus fans events out to per-project subscribers. Publishing never blocks;
// a subscriber that cannot keep up drops events.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.ProjectID]map[chan schema.RunEvent]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.ProjectID]map[chan schema.RunEvent]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the project and returns a channel
// plus an idempotent cancel func that closes it. The channel is only ever
// closed under the bus mutex, so a concurrent Broadcast can never send on
// a closed channel.
func (b *Bus) Subscribe(projectID schema.ProjectID) (<-chan schema.RunEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.RunEvent, b.depth)
	b.mu.Lock()
	projectSubs := b.subs[projectID]
	if projectSubs == nil {
		projectSubs = make(map[chan schema.RunEvent]struct{})
		b.subs[projectID] = projectSubs
	}
	projectSubs[ch] = struct{}{}
	count := len(projectSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("project", projectID).Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		subs := b.subs[projectID]
		_, registered := subs[ch]
		if registered {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, projectID)
			}
			close(ch)
		}
		b.mu.Unlock()
		if registered && b.log != nil {
			b.log.With("project", projectID).Debug("eventbus unsubscribe")
		}
	}
}

// Broadcast publishes an event to every subscriber of its project. Sends
// happen under the mutex; they are non-blocking, so holding it is cheap.
func (b *Bus) Broadcast(projectID schema.ProjectID, event schema.RunEvent) {
	if b == nil {
		return
	}
	dropped := 0
	b.mu.Lock()
	for sub := range b.subs[projectID] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.With("project", projectID).Debug("eventbus dropped", "count", dropped)
	}
}
