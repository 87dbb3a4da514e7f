// ABOUTME: Fan-out change notifications to in-process subscribers
// ABOUTME: Messages carry a per-broadcaster sequence and a target user set
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one change event. Resource names what changed ("chunks" for
// list-level changes, "chunks/<id>" for one chunk); Value is an optional
// serializable payload; Users limits delivery to the named accounts.
type Message struct {
	Seq      uint64              `json:"seq"`
	Resource string              `json:"resource"`
	Value    any                 `json:"value,omitempty"`
	Users    map[string]struct{} `json:"-"`
}

// Subscription identifies one registered listener.
type Subscription = uuid.UUID

// subscriber is one registered listener bound to a user.
type subscriber struct {
	user string
	ch   chan Message
}

// Broadcaster delivers messages to subscribers without blocking the
// sender. A subscriber that falls behind its buffer silently loses
// messages; clients are expected to refetch on reconnect.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[Subscription]subscriber
	seq    atomic.Uint64
	closed bool
	log    zerolog.Logger
}

const subscriberBuffer = 16

func New(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs: map[Subscription]subscriber{},
		log:  log.With().Str("component", "notify").Logger(),
	}
}

// Subscribe registers a listener for messages addressed to user. The
// returned id unsubscribes it.
func (b *Broadcaster) Subscribe(user string) (Subscription, <-chan Message) {
	id := uuid.New()
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = subscriber{user: user, ch: ch}
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Send stamps the message with the next sequence number and delivers it
// to every subscriber whose user is in the target set. A nil user set
// broadcasts to everyone. Send never blocks.
func (b *Broadcaster) Send(msg Message) {
	msg.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if msg.Users != nil {
			if _, ok := msg.Users[sub.user]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn().Str("user", sub.user).Uint64("seq", msg.Seq).Msg("subscriber buffer full, dropping message")
		}
	}
}

// Close shuts down every subscriber channel. Further Sends are no-ops and
// further Subscribes return closed channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
