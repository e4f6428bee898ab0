package negortc

import (
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// renegotiator exchanges the descriptions of every negotiation after the
// first one over the negotiation channel.
//
// Glare: when an offer arrives while a local offer is unanswered, the
// RoleOffer side keeps its own offer and ignores the remote one, the
// RoleAnswer side rolls its offer back, answers and offers again afterwards.
type renegotiator struct {
	t    Transport
	ch   Channel
	role Role
	log  logging.LeveledLogger

	// exchange serializes description changes made by this side.
	exchange sync.Mutex

	mu         sync.Mutex
	open       bool
	closed     bool
	queued     bool
	stopNeeded func()

	opened     chan struct{}
	openedOnce sync.Once
}

func newRenegotiator(t Transport, ch Channel, role Role, log logging.LeveledLogger) *renegotiator {
	r := &renegotiator{
		t:      t,
		ch:     ch,
		role:   role,
		log:    log,
		opened: make(chan struct{}),
	}
	ch.OnOpen(r.handleOpen)
	ch.OnClose(r.handleClose)
	ch.OnMessage(r.handleMessage)
	return r
}

// watch starts reacting to local changes.
func (r *renegotiator) watch() {
	stop := r.t.WatchNegotiationNeeded(r.handleNeeded)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		stop()
		return
	}
	r.stopNeeded = stop
}

func (r *renegotiator) handleNeeded() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if !r.open {
		r.queued = true
		r.mu.Unlock()
		r.log.Debug("negotiation channel not open, renegotiation queued")
		return
	}
	r.mu.Unlock()
	r.offer()
}

func (r *renegotiator) handleOpen() {
	r.openedOnce.Do(func() { close(r.opened) })
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.open = true
	r.mu.Unlock()
	r.log.Debug("negotiation channel open")
	r.flush()
}

func (r *renegotiator) handleClose() {
	r.log.Debug("negotiation channel closed")
	r.close()
}

// flush sends the queued renegotiation, if any.
func (r *renegotiator) flush() {
	r.mu.Lock()
	if !r.queued || !r.open || r.closed {
		r.mu.Unlock()
		return
	}
	r.queued = false
	r.mu.Unlock()
	r.offer()
}

func (r *renegotiator) offer() {
	r.exchange.Lock()
	defer r.exchange.Unlock()

	if !signalingStable(r.t) {
		// an exchange is in flight, offer again once it settles
		r.mu.Lock()
		r.queued = true
		r.mu.Unlock()
		return
	}
	offer, err := r.t.CreateOffer(nil)
	if err != nil {
		r.log.Errorf("create offer: %v", err)
		return
	}
	if err = r.t.SetLocalDescription(offer); err != nil {
		r.log.Errorf("set local offer: %v", err)
		return
	}
	r.send()
}

func (r *renegotiator) send() {
	local := r.t.LocalDescription()
	if local == nil {
		return
	}
	frame, err := encodeDescription(*local)
	if err != nil {
		r.log.Errorf("encode %s: %v", local.Type, err)
		return
	}
	if err = r.ch.SendText(frame); err != nil {
		r.log.Errorf("send %s: %v", local.Type, err)
		return
	}
	r.log.Debugf("%s sent, media lines: %s", local.Type, mids(*local))
}

func (r *renegotiator) handleMessage(msg webrtc.DataChannelMessage) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	desc, err := decodeDescription(msg.Data)
	if err != nil {
		r.log.Debugf("drop frame: %v", err)
		return
	}
	r.apply(desc)
	r.flush()
}

func (r *renegotiator) apply(desc SDP) {
	r.exchange.Lock()
	defer r.exchange.Unlock()

	if desc.Type == webrtc.SDPTypeOffer && r.t.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if r.role == RoleOffer {
			r.log.Debug("offer collision, remote offer ignored")
			return
		}
		r.log.Debug("offer collision, local offer rolled back")
		if err := r.t.SetLocalDescription(SDP{Type: webrtc.SDPTypeRollback}); err != nil {
			r.log.Errorf("rollback local offer: %v", err)
		}
		r.mu.Lock()
		r.queued = true
		r.mu.Unlock()
	}
	if err := r.t.SetRemoteDescription(desc); err != nil {
		r.log.Errorf("set remote %s: %v", desc.Type, err)
		return
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return
	}
	answer, err := r.t.CreateAnswer(nil)
	if err != nil {
		r.log.Errorf("create answer: %v", err)
		return
	}
	if err = r.t.SetLocalDescription(answer); err != nil {
		r.log.Errorf("set local answer: %v", err)
		return
	}
	r.send()
}

// close detaches from the transport. It is safe to call more than once.
func (r *renegotiator) close() {
	r.mu.Lock()
	r.closed = true
	r.open = false
	r.queued = false
	stop := r.stopNeeded
	r.stopNeeded = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}
