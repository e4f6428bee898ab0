package negortc

import (
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Peer adapts a pion PeerConnection to Transport. pion keeps a single
// handler per event, Peer installs that handler once and fans the event out
// to every watcher.
type Peer struct {
	*webrtc.PeerConnection

	gathering         *emitter[webrtc.ICEGatheringState]
	negotiationNeeded *emitter[struct{}]
	closed            *emitter[struct{}]
	closeOnce         *sync.Once

	log logging.LeveledLogger
}

var _ Transport = (*Peer)(nil)

// NewPeer creates a PeerConnection with api. A nil api uses the pion defaults.
func NewPeer(api *webrtc.API, config webrtc.Configuration, opts ...Option) (p *Peer, err error) {
	var pc *webrtc.PeerConnection
	if api == nil {
		pc, err = webrtc.NewPeerConnection(config)
	} else {
		pc, err = api.NewPeerConnection(config)
	}
	if err != nil {
		return
	}
	return WrapPeer(pc, opts...), nil
}

// WrapPeer takes over the state, gathering and negotiation-needed handlers of pc.
// Use the Watch methods instead of setting them again.
func WrapPeer(pc *webrtc.PeerConnection, opts ...Option) *Peer {
	o := newOptions(opts)
	p := &Peer{
		PeerConnection: pc,

		gathering:         newEmitter[webrtc.ICEGatheringState](),
		negotiationNeeded: newEmitter[struct{}](),
		closed:            newEmitter[struct{}](),
		closeOnce:         &sync.Once{},

		log: o.loggerFactory.NewLogger("peer"),
	}

	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		p.log.Debugf("ice gathering state change: %s", s)
		p.gathering.emit(s)
	})
	pc.OnNegotiationNeeded(func() {
		p.log.Debug("negotiation needed")
		p.negotiationNeeded.emit(struct{}{})
	})
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.log.Debugf("ice connection state change: %s", s)
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		p.log.Debugf("signaling state change: %s", s)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.log.Tracef("ice candidate: %s", c)
	})
	return p
}

// A failed connection does not recover without an ICE restart, it counts
// as closed.
func (p *Peer) handleConnectionState(s webrtc.PeerConnectionState) {
	p.log.Debugf("connection state change: %s", s)
	switch s {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.fireClosed()
	}
}

func (p *Peer) fireClosed() {
	p.closeOnce.Do(func() { p.closed.emit(struct{}{}) })
}

func (p *Peer) WatchGathering(fn func(webrtc.ICEGatheringState)) (cancel func()) {
	return p.gathering.add(fn)
}

func (p *Peer) WatchNegotiationNeeded(fn func()) (cancel func()) {
	return p.negotiationNeeded.add(func(struct{}) { fn() })
}

func (p *Peer) WatchClosed(fn func()) (cancel func()) {
	return p.closed.add(func(struct{}) { fn() })
}

func (p *Peer) CreateChannel(label string, id uint16) (Channel, error) {
	init := &webrtc.DataChannelInit{
		ID:         refVal(id),
		Negotiated: refVal(true),
		Ordered:    refVal(true),
	}
	dc, err := p.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *Peer) Transceivers() (ts []Transceiver) {
	for _, t := range p.GetTransceivers() {
		ts = append(ts, transceiver{t})
	}
	return
}

func (p *Peer) Close() error {
	defer p.fireClosed()
	return p.PeerConnection.Close()
}

type transceiver struct{ t *webrtc.RTPTransceiver }

func (t transceiver) Mid() string { return t.t.Mid() }

func (t transceiver) SenderTrackID() string {
	s := t.t.Sender()
	if s == nil {
		return ""
	}
	if track := s.Track(); track != nil {
		return track.ID()
	}
	return ""
}

func (t transceiver) ReceiverTrackID() string {
	r := t.t.Receiver()
	if r == nil {
		return ""
	}
	if track := r.Track(); track != nil {
		return track.ID()
	}
	return ""
}

func refVal[T any](v T) *T { return &v }

// emitter is a listener list whose members can remove themselves.
type emitter[T any] struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(T)
}

func newEmitter[T any]() *emitter[T] {
	return &emitter[T]{listeners: make(map[int]func(T))}
}

func (e *emitter[T]) add(fn func(T)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (e *emitter[T]) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
