package negortc

import (
	"context"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type Role int

const (
	RoleOffer Role = iota
	RoleAnswer
)

func (r Role) String() string {
	switch r {
	case RoleOffer:
		return "offer"
	case RoleAnswer:
		return "answer"
	}
	return "unknown"
}

// Both peers create the side channels with the same label and id, so they
// are paired without an in-band announcement.
const (
	NegotiationChannelLabel        = "negotiation"
	NegotiationChannelID    uint16 = 0
	TrackIDChannelLabel            = "trackid"
	TrackIDChannelID        uint16 = 1
)

// Conn negotiates a Transport once through a Relay and keeps it negotiated
// afterwards over a side channel.
type Conn struct {
	t    Transport
	opts options
	log  logging.LeveledLogger

	mu         sync.Mutex
	started    bool
	reneg      *renegotiator
	tracks     *trackResolver
	stopClosed func()

	ready     chan struct{}
	closing   chan struct{}
	closeOnce *sync.Once
}

func NewConn(t Transport, opts ...Option) *Conn {
	o := newOptions(opts)
	c := &Conn{
		t:    t,
		opts: o,
		log:  o.loggerFactory.NewLogger("negortc"),

		ready:     make(chan struct{}),
		closing:   make(chan struct{}),
		closeOnce: &sync.Once{},
	}
	c.mu.Lock()
	c.stopClosed = t.WatchClosed(c.teardown)
	c.mu.Unlock()
	return c
}

// Transport returns the transport the Conn negotiates.
func (c *Conn) Transport() Transport { return c.t }

// Negotiate runs the first offer/answer exchange through relay. It only
// returns once the exchange is done, relay or transport fail, ctx ends or the
// Conn is closed. On success the side channels are attached and relay is
// not used again.
func (c *Conn) Negotiate(ctx context.Context, role Role, relay Relay) (err error) {
	c.mu.Lock()
	switch {
	case c.isClosed():
		c.mu.Unlock()
		return &NegotiationError{Role: role, Step: StepChannels, Kind: ErrConnectionClosed, Err: ErrConnectionClosed}
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyNegotiated
	}
	c.started = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-c.closing:
			cancel(ErrConnectionClosed)
		case <-ctx.Done():
		}
	}()

	log := c.opts.loggerFactory.NewLogger("negortc-" + role.String())
	neg, err := c.t.CreateChannel(NegotiationChannelLabel, NegotiationChannelID)
	if err != nil {
		return c.fail(role, StepChannels, ErrDescriptionRejected, err)
	}
	tid, err := c.t.CreateChannel(TrackIDChannelLabel, TrackIDChannelID)
	if err != nil {
		neg.Close()
		return c.fail(role, StepChannels, ErrDescriptionRejected, err)
	}
	reneg := newRenegotiator(c.t, neg, role, log)
	tracks := newTrackResolver(c.t, tid, log)
	defer func() {
		if err == nil {
			return
		}
		reneg.close()
		tracks.close(ErrConnectionClosed)
		if cerr := multierr.Combine(neg.Close(), tid.Close()); cerr != nil {
			log.Debugf("close side channels: %v", cerr)
		}
	}()

	switch role {
	case RoleOffer:
		err = c.offer(ctx, relay)
	case RoleAnswer:
		err = c.answer(ctx, relay)
	default:
		err = errors.Errorf("unknown role %d", role)
	}
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return c.fail(role, StepChannels, ErrConnectionClosed, ErrConnectionClosed)
	}
	c.reneg, c.tracks = reneg, tracks
	reneg.watch()
	c.mu.Unlock()

	go func() {
		for _, opened := range []<-chan struct{}{reneg.opened, tracks.opened} {
			select {
			case <-opened:
			case <-c.closing:
				return
			}
		}
		close(c.ready)
	}()
	if local := c.t.LocalDescription(); local != nil {
		log.Infof("negotiated, media lines: %s", mids(*local))
	}
	return nil
}

func (c *Conn) offer(ctx context.Context, relay Relay) error {
	const role = RoleOffer
	gathered := waitGathering(c.t)
	defer gathered.Stop()
	offer, err := c.t.CreateOffer(nil)
	if err != nil {
		return c.fail(role, StepCreateOffer, ErrDescriptionRejected, err)
	}
	if err = c.t.SetLocalDescription(offer); err != nil {
		return c.fail(role, StepSetLocal, ErrDescriptionRejected, err)
	}
	if err = gathered.Wait(ctx); err != nil {
		return c.fail(role, StepGather, err, err)
	}
	if err = relay.SendDescription(ctx, *c.t.LocalDescription()); err != nil {
		return c.fail(role, StepSend, ErrRelay, err)
	}
	answer, err := relay.RemoteDescription(ctx)
	if err != nil {
		return c.fail(role, StepAwaitRemote, ErrRelay, err)
	}
	if err = c.t.SetRemoteDescription(answer); err != nil {
		return c.fail(role, StepSetRemote, ErrDescriptionRejected, err)
	}
	return nil
}

func (c *Conn) answer(ctx context.Context, relay Relay) error {
	const role = RoleAnswer
	offer, err := relay.RemoteDescription(ctx)
	if err != nil {
		return c.fail(role, StepAwaitRemote, ErrRelay, err)
	}
	if err = c.t.SetRemoteDescription(offer); err != nil {
		return c.fail(role, StepSetRemote, ErrDescriptionRejected, err)
	}
	gathered := waitGathering(c.t)
	defer gathered.Stop()
	answer, err := c.t.CreateAnswer(nil)
	if err != nil {
		return c.fail(role, StepCreateAnswer, ErrDescriptionRejected, err)
	}
	if err = c.t.SetLocalDescription(answer); err != nil {
		return c.fail(role, StepSetLocal, ErrDescriptionRejected, err)
	}
	if err = gathered.Wait(ctx); err != nil {
		return c.fail(role, StepGather, err, err)
	}
	if err = relay.SendDescription(ctx, *c.t.LocalDescription()); err != nil {
		return c.fail(role, StepSend, ErrRelay, err)
	}
	return nil
}

// fail reports ErrConnectionClosed as the kind of every failure that happens
// once the Conn is closed, whatever step noticed it.
func (c *Conn) fail(role Role, step Step, kind error, err error) error {
	if c.isClosed() || errors.Is(err, ErrConnectionClosed) {
		kind = ErrConnectionClosed
	}
	return &NegotiationError{Role: role, Step: step, Kind: kind, Err: err}
}

// ResolveRemoteID returns the id the remote peer gave to the track it
// receives from the local track localTrackID.
func (c *Conn) ResolveRemoteID(ctx context.Context, localTrackID string) (string, error) {
	c.mu.Lock()
	tracks := c.tracks
	closed := c.isClosed()
	c.mu.Unlock()
	switch {
	case tracks != nil:
		return tracks.resolve(ctx, localTrackID)
	case closed:
		return "", ErrConnectionClosed
	}
	return "", ErrChannelNotReady
}

// Ready is closed once both side channels are open.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed when the Conn or its transport is closed.
func (c *Conn) Done() <-chan struct{} { return c.closing }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closing)
		reneg, tracks, stopClosed := c.reneg, c.tracks, c.stopClosed
		c.mu.Unlock()

		if stopClosed != nil {
			stopClosed()
		}
		if reneg != nil {
			reneg.close()
		}
		if tracks != nil {
			tracks.close(ErrConnectionClosed)
		}
		c.log.Debug("connection closed")
	})
}

// Close fails every pending operation with ErrConnectionClosed and closes
// the transport.
func (c *Conn) Close() error {
	c.teardown()
	if err := c.t.Close(); err != nil {
		return errors.Wrap(err, "close transport")
	}
	return nil
}

// signalingStable reports whether no description exchange is in flight.
func signalingStable(t Transport) bool {
	return t.SignalingState() == webrtc.SignalingStateStable
}
