package negortc

import (
	"context"
	"sync"

	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/shynome/negortc/signaler"
)

// Relay carries the first description exchange of a connection.
type Relay interface {
	SendDescription(ctx context.Context, desc SDP) error
	// RemoteDescription blocks until the other side's description arrives.
	RemoteDescription(ctx context.Context) (SDP, error)
}

var ErrPendingAnswer = errors.New("an answer from this peer is already awaited")

// offerQueueSize bounds the offers waiting for Accept.
const offerQueueSize = 16

// Switchboard routes the envelopes of one mailbox: answers go to the dial
// that waits for them, offers are handed out by Accept.
type Switchboard struct {
	mailbox  signaler.Mailbox
	appendix string

	pending  map[string]chan signaler.Envelope
	pendingL *sync.Mutex

	offers chan *Offer
	cancel context.CancelFunc
	done   chan struct{}

	log logging.LeveledLogger
}

func NewSwitchboard(ctx context.Context, mailbox signaler.Mailbox, opts ...Option) (sb *Switchboard, err error) {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(ctx)
	inbox, err := mailbox.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe mailbox")
	}
	sb = &Switchboard{
		mailbox:  mailbox,
		appendix: o.appendix,

		pending:  make(map[string]chan signaler.Envelope),
		pendingL: &sync.Mutex{},

		offers: make(chan *Offer, offerQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),

		log: o.loggerFactory.NewLogger("relay"),
	}
	go sb.serve(inbox)
	return sb, nil
}

func (sb *Switchboard) ID() string { return sb.mailbox.ID() }

func (sb *Switchboard) serve(inbox <-chan signaler.Envelope) {
	defer close(sb.done)
	for env := range inbox {
		if !env.Valid() {
			sb.log.Debugf("drop malformed envelope from %q", env.From)
			continue
		}
		sb.log.Debugf("%s received from %s", env.Type, env.From)
		if env.Type == "offer" {
			sb.queueOffer(&Offer{sb: sb, env: env})
			continue
		}
		sb.pendingL.Lock()
		ch, ok := sb.pending[env.From]
		delete(sb.pending, env.From)
		sb.pendingL.Unlock()
		if !ok {
			sb.log.Warnf("unknown answer received from %s", env.From)
			continue
		}
		ch <- env
	}
}

// queueOffer never blocks, answers are routed behind it. When nobody
// accepts, the oldest offer is dropped.
func (sb *Switchboard) queueOffer(offer *Offer) {
	for {
		select {
		case sb.offers <- offer:
			return
		default:
		}
		select {
		case stale := <-sb.offers:
			sb.log.Warnf("offer queue is full, dropping the offer from %s", stale.From())
		default:
		}
	}
}

// Dial returns the relay an offering Conn uses to reach peer.
func (sb *Switchboard) Dial(peer string) Relay {
	return &dial{sb: sb, peer: peer}
}

// Accept waits for the next offer addressed to this mailbox.
func (sb *Switchboard) Accept(ctx context.Context) (*Offer, error) {
	select {
	case offer := <-sb.offers:
		return offer, nil
	case <-sb.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Pending reports how many answers are awaited.
func (sb *Switchboard) Pending() int {
	sb.pendingL.Lock()
	defer sb.pendingL.Unlock()
	return len(sb.pending)
}

// Close stops routing and closes the mailbox. Awaited answers fail with
// ErrConnectionClosed.
func (sb *Switchboard) Close() error {
	sb.cancel()
	err := sb.mailbox.Close()
	<-sb.done
	return err
}

func (sb *Switchboard) post(ctx context.Context, to string, desc SDP) error {
	env := signaler.NewEnvelope(sb.mailbox.ID(), to, desc, sb.appendix)
	return sb.mailbox.Post(ctx, env)
}

func (sb *Switchboard) await(peer string) (ch chan signaler.Envelope, err error) {
	sb.pendingL.Lock()
	defer sb.pendingL.Unlock()
	if _, ok := sb.pending[peer]; ok {
		return nil, errors.Wrap(ErrPendingAnswer, peer)
	}
	ch = make(chan signaler.Envelope, 1)
	sb.pending[peer] = ch
	return ch, nil
}

func (sb *Switchboard) forget(peer string, ch chan signaler.Envelope) {
	sb.pendingL.Lock()
	defer sb.pendingL.Unlock()
	if sb.pending[peer] == ch {
		delete(sb.pending, peer)
	}
}

type dial struct {
	sb   *Switchboard
	peer string
	ch   chan signaler.Envelope
}

// SendDescription registers for the peer's answer before posting, so an
// answer that comes back quickly is not dropped as unknown.
func (d *dial) SendDescription(ctx context.Context, desc SDP) (err error) {
	if d.ch, err = d.sb.await(d.peer); err != nil {
		return
	}
	if err = d.sb.post(ctx, d.peer, desc); err != nil {
		d.sb.forget(d.peer, d.ch)
		return errors.Wrapf(err, "post to %s", d.peer)
	}
	return nil
}

func (d *dial) RemoteDescription(ctx context.Context) (desc SDP, err error) {
	if d.ch == nil {
		return desc, errors.New("description was not sent yet")
	}
	select {
	case env := <-d.ch:
		return env.Description()
	case <-d.sb.done:
		return desc, ErrConnectionClosed
	case <-ctx.Done():
		d.sb.forget(d.peer, d.ch)
		return desc, context.Cause(ctx)
	}
}

// Offer is an offer received by a Switchboard. It is the relay of the
// answering Conn.
type Offer struct {
	sb  *Switchboard
	env signaler.Envelope
}

// From is the id of the offering peer.
func (o *Offer) From() string { return o.env.From }

// Appendix is the free-form text the offering peer sent along.
func (o *Offer) Appendix() string { return o.env.Appendix }

func (o *Offer) RemoteDescription(ctx context.Context) (SDP, error) {
	return o.env.Description()
}

func (o *Offer) SendDescription(ctx context.Context, desc SDP) error {
	if err := o.sb.post(ctx, o.env.From, desc); err != nil {
		return errors.Wrapf(err, "post to %s", o.env.From)
	}
	return nil
}
