package negortc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// trackResolver asks the remote peer which id it gave to a track this side
// sends, and answers the same question for tracks this side receives.
type trackResolver struct {
	t   Transport
	ch  Channel
	log logging.LeveledLogger

	mu        sync.Mutex
	known     map[string]string
	enquiries map[string]*enquiry
	err       error

	opened     chan struct{}
	openedOnce sync.Once
}

type enquiry struct {
	done chan struct{}
	id   string
	err  error
}

func newTrackResolver(t Transport, ch Channel, log logging.LeveledLogger) *trackResolver {
	tr := &trackResolver{
		t:   t,
		ch:  ch,
		log: log,

		known:     make(map[string]string),
		enquiries: make(map[string]*enquiry),

		opened: make(chan struct{}),
	}
	ch.OnOpen(func() { tr.openedOnce.Do(func() { close(tr.opened) }) })
	ch.OnMessage(tr.handleMessage)
	ch.OnClose(func() {
		tr.log.Debug("trackid channel closed")
		tr.failAll(ErrConnectionClosed)
	})
	return tr
}

func (tr *trackResolver) resolve(ctx context.Context, local string) (string, error) {
	tr.mu.Lock()
	if remote, ok := tr.known[local]; ok {
		tr.mu.Unlock()
		return remote, nil
	}
	if tr.err != nil {
		tr.mu.Unlock()
		return "", tr.err
	}
	if tr.ch.ReadyState() != webrtc.DataChannelStateOpen {
		tr.mu.Unlock()
		return "", ErrChannelNotReady
	}
	if e, ok := tr.enquiries[local]; ok {
		tr.mu.Unlock()
		return e.wait(ctx)
	}
	mid, ok := tr.senderMid(local)
	if !ok {
		tr.mu.Unlock()
		return "", errors.Wrap(ErrUnknownTrack, local)
	}
	e := &enquiry{done: make(chan struct{})}
	tr.enquiries[local] = e
	tr.mu.Unlock()

	frame, err := trackMessage{Type: trackEnquiry, Mid: mid, TrackID: local}.encode()
	if err == nil {
		err = tr.ch.SendText(frame)
	}
	if err != nil {
		tr.finish(local, "", errors.Wrap(err, "send enquiry"))
	} else {
		tr.log.Debugf("enquiry sent for track %s on mid %s", local, mid)
	}
	return e.wait(ctx)
}

func (tr *trackResolver) senderMid(local string) (string, bool) {
	for _, t := range tr.t.Transceivers() {
		if t.SenderTrackID() == local && t.Mid() != "" {
			return t.Mid(), true
		}
	}
	return "", false
}

func (e *enquiry) wait(ctx context.Context) (string, error) {
	select {
	case <-e.done:
		return e.id, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// finish settles the enquiry for local. It reports false when none is
// outstanding.
func (tr *trackResolver) finish(local, remote string, err error) bool {
	tr.mu.Lock()
	e, ok := tr.enquiries[local]
	if !ok {
		tr.mu.Unlock()
		return false
	}
	delete(tr.enquiries, local)
	if err == nil {
		if _, cached := tr.known[local]; !cached {
			tr.known[local] = remote
		}
		remote = tr.known[local]
	}
	tr.mu.Unlock()

	e.id, e.err = remote, err
	close(e.done)
	return true
}

func (tr *trackResolver) handleMessage(msg webrtc.DataChannelMessage) {
	m, err := decodeTrackMessage(msg.Data)
	if err != nil {
		tr.log.Debugf("drop frame: %v", err)
		return
	}
	switch m.Type {
	case trackEnquiry:
		tr.answer(m)
	case trackAnswer:
		var ok bool
		if m.Error != nil {
			ok = tr.finish(m.EnquiryTrackID, "", &RemoteEnquiryError{TrackID: m.EnquiryTrackID, Reason: *m.Error})
		} else {
			ok = tr.finish(m.EnquiryTrackID, *m.AnswerTrackID, nil)
		}
		if !ok {
			tr.log.Debugf("answer for %s matches no enquiry", m.EnquiryTrackID)
		}
	}
}

func (tr *trackResolver) answer(m trackMessage) {
	reply := trackMessage{Type: trackAnswer, Mid: m.Mid, EnquiryTrackID: m.TrackID}
	var received string
	for _, t := range tr.t.Transceivers() {
		if t.Mid() == m.Mid {
			received = t.ReceiverTrackID()
			break
		}
	}
	if received != "" {
		reply.AnswerTrackID = &received
	} else {
		reason := fmt.Sprintf("no track received on mid %q for track %s", m.Mid, m.TrackID)
		reply.Error = &reason
	}
	frame, err := reply.encode()
	if err == nil {
		err = tr.ch.SendText(frame)
	}
	if err != nil {
		tr.log.Errorf("answer enquiry for %s: %v", m.TrackID, err)
	}
}

func (tr *trackResolver) failAll(err error) {
	tr.mu.Lock()
	pending := tr.enquiries
	tr.enquiries = make(map[string]*enquiry)
	tr.mu.Unlock()
	for _, e := range pending {
		e.err = err
		close(e.done)
	}
}

// close fails every outstanding enquiry and all later ones with err.
func (tr *trackResolver) close(err error) {
	tr.mu.Lock()
	tr.err = err
	tr.mu.Unlock()
	tr.failAll(err)
}
