// Package lens2 relays envelopes over plain HTTP. Envelopes are posted to
// the topic of their recipient and streamed to it as Server-Sent Events.
// Topics are named "key/id".
package lens2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/donovanhide/eventsource"
	"github.com/pion/logging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	impl "github.com/shynome/negortc/signaler"
)

// EventIDHeader names the event a DELETE request acknowledges.
const EventIDHeader = "X-Event-Id"

type Mailbox struct {
	key      string
	id       string
	signaler *signaler

	closed *atomic.Bool
	done   chan struct{}

	log logging.LeveledLogger
}

var _ impl.Mailbox = (*Mailbox)(nil)

// NewMailbox returns the mailbox of id under key. Credentials in the
// endpoint userinfo are sent as basic auth. An empty id is replaced by a
// random one.
func NewMailbox(endpoint string, key string, id string) (*Mailbox, error) {
	s, err := newSignaler(endpoint)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = impl.NewID()
	}
	return &Mailbox{
		key:      key,
		id:       id,
		signaler: s,

		closed: atomic.NewBool(false),
		done:   make(chan struct{}),

		log: logging.NewDefaultLoggerFactory().NewLogger("lens2"),
	}, nil
}

// SetLogger replaces the default pion logger.
func (m *Mailbox) SetLogger(log logging.LeveledLogger) { m.log = log }

func (m *Mailbox) ID() string { return m.id }

func (m *Mailbox) topic(id string) string { return m.key + "/" + id }

func (m *Mailbox) Post(ctx context.Context, env impl.Envelope) (err error) {
	if m.closed.Load() {
		return fmt.Errorf("mailbox %s is closed", m.id)
	}
	if env.To == "" {
		return fmt.Errorf("envelope has no recipient")
	}
	env.ID, env.From = "", m.id
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := m.signaler.newReq(ctx, http.MethodPost, m.topic(env.To), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := m.signaler.doReq(req)
	if err != nil {
		return errors.Wrapf(err, "post to %s", env.To)
	}
	return res.Body.Close()
}

// Subscribe opens the event stream of the mailbox. The stream reconnects on
// its own, envelopes seen twice after a reconnect are dropped. Each envelope
// is acknowledged once it has been handed out.
func (m *Mailbox) Subscribe(ctx context.Context) (<-chan impl.Envelope, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("mailbox %s is closed", m.id)
	}
	// the request outlives ctx so the stream is closed before its body fails
	reqCtx, cancel := context.WithCancel(context.Background())
	req, err := m.signaler.newReq(reqCtx, http.MethodGet, m.topic(m.id), http.NoBody)
	if err != nil {
		cancel()
		return nil, err
	}
	stream, err := eventsource.SubscribeWith("", m.signaler.stream, req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", m.topic(m.id))
	}
	go func() {
		for err := range stream.Errors {
			m.log.Debugf("event stream of %s: %v", m.id, err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		stream.Close()
		cancel()
	}()

	ch := make(chan impl.Envelope)
	go func() {
		defer close(ch)
		seen := map[string]struct{}{}
		for ev := range stream.Events {
			if _, ok := seen[ev.Id()]; ok {
				continue
			}
			seen[ev.Id()] = struct{}{}
			var env impl.Envelope
			if err := json.Unmarshal([]byte(ev.Data()), &env); err != nil {
				m.log.Debugf("drop event %s: %v", ev.Id(), err)
				continue
			}
			env.ID = ev.Id()
			select {
			case ch <- env:
			case <-ctx.Done():
				continue
			case <-m.done:
				continue
			}
			if err := m.ack(env.ID); err != nil {
				m.log.Warnf("ack event %s: %v", env.ID, err)
			}
		}
	}()
	return ch, nil
}

func (m *Mailbox) ack(id string) error {
	req, err := m.signaler.newReq(context.Background(), http.MethodDelete, m.topic(m.id), http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set(EventIDHeader, id)
	res, err := m.signaler.doReq(req)
	if err != nil {
		return err
	}
	return res.Body.Close()
}

func (m *Mailbox) Close() (err error) {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
	return
}
