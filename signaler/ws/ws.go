// Package ws relays envelopes over websockets. Every party keeps one socket
// open to the Server, identified by the key and id query parameters.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/shynome/negortc/signaler"
)

const writeWait = 10 * time.Second

type Mailbox struct {
	key  string
	id   string
	conn *websocket.Conn

	writeL sync.Mutex

	inbox chan signaler.Envelope
	// lost is closed when the socket can no longer be read.
	lost chan struct{}

	closed *atomic.Bool
	done   chan struct{}
}

var _ signaler.Mailbox = (*Mailbox)(nil)

// Dial connects the mailbox of id under key to the Server at endpoint
// (ws:// or wss://). An empty id is replaced by a random one.
func Dial(ctx context.Context, endpoint string, key string, id string) (*Mailbox, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse signaler endpoint")
	}
	if id == "" {
		id = signaler.NewID()
	}
	q := u.Query()
	q.Set("key", key)
	q.Set("id", id)
	u.RawQuery = q.Encode()

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return nil, errors.Wrapf(err, "dial %s: %s", endpoint, res.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	m := &Mailbox{
		key:  key,
		id:   id,
		conn: conn,

		inbox: make(chan signaler.Envelope),
		lost:  make(chan struct{}),

		closed: atomic.NewBool(false),
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

func (m *Mailbox) ID() string { return m.id }

func (m *Mailbox) readLoop() {
	defer close(m.lost)
	for {
		var env signaler.Envelope
		if err := m.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case m.inbox <- env:
		case <-m.done:
			return
		}
	}
}

func (m *Mailbox) Post(ctx context.Context, env signaler.Envelope) error {
	if m.closed.Load() {
		return fmt.Errorf("mailbox %s is closed", m.id)
	}
	if env.To == "" {
		return fmt.Errorf("envelope has no recipient")
	}
	env.ID, env.From = "", m.id

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	m.writeL.Lock()
	defer m.writeL.Unlock()
	if err := m.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return errors.Wrapf(m.conn.WriteJSON(env), "post to %s", env.To)
}

// Subscribe streams the envelopes pushed by the Server. The channel closes
// when ctx ends, the mailbox is closed or the socket is lost.
func (m *Mailbox) Subscribe(ctx context.Context) (<-chan signaler.Envelope, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("mailbox %s is closed", m.id)
	}
	ch := make(chan signaler.Envelope)
	go func() {
		defer close(ch)
		for {
			var env signaler.Envelope
			select {
			case env = <-m.inbox:
			case <-m.lost:
				return
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
	return ch, nil
}

func (m *Mailbox) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)
	m.writeL.Lock()
	_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	m.writeL.Unlock()
	return m.conn.Close()
}
