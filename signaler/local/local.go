package local

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/shynome/negortc/signaler"
)

// inboxSize bounds how many undelivered envelopes one party may have waiting.
const inboxSize = 16

type Mailbox struct {
	key string
	id  string
	hub *Hub

	closed *atomic.Bool
	done   chan struct{}
}

var _ signaler.Mailbox = (*Mailbox)(nil)

func (hub *Hub) Mailbox(key string, id string) *Mailbox {
	if id == "" {
		id = signaler.NewID()
	}
	return &Mailbox{
		key:    key,
		id:     id,
		hub:    hub,
		closed: atomic.NewBool(false),
		done:   make(chan struct{}),
	}
}

func (m *Mailbox) ID() string { return m.id }

func (m *Mailbox) Post(ctx context.Context, env signaler.Envelope) (err error) {
	if m.closed.Load() {
		return fmt.Errorf("mailbox %s is closed", m.id)
	}
	if env.To == "" {
		return fmt.Errorf("envelope has no recipient")
	}
	env.From = m.id
	inbox := m.hub.inbox(m.key, env.To)
	select {
	case inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("inbox of %s is full", env.To)
	}
}

func (m *Mailbox) Subscribe(ctx context.Context) (<-chan signaler.Envelope, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("mailbox %s is closed", m.id)
	}
	inbox := m.hub.inbox(m.key, m.id)
	ch := make(chan signaler.Envelope)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case env := <-inbox:
				select {
				case ch <- env:
				case <-ctx.Done():
					return
				case <-m.done:
					return
				}
			}
		}
	}()
	return ch, nil
}

func (m *Mailbox) Close() (err error) {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
	return
}

// Hub is an in-process relay. Every party of every session key owns one
// inbox in it.
type Hub struct {
	pool  map[string]chan signaler.Envelope
	poolL *sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		pool:  make(map[string]chan signaler.Envelope),
		poolL: &sync.Mutex{},
	}
}

func (hub *Hub) inbox(key, id string) chan signaler.Envelope {
	hub.poolL.Lock()
	defer hub.poolL.Unlock()
	topic := key + "/" + id
	inbox, ok := hub.pool[topic]
	if !ok {
		inbox = make(chan signaler.Envelope, inboxSize)
		hub.pool[topic] = inbox
	}
	return inbox
}

// Pending reports how many envelopes wait undelivered for id.
func (hub *Hub) Pending(key, id string) int {
	return len(hub.inbox(key, id))
}
