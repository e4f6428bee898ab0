package negortc

import (
	"context"

	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/shynome/negortc/signaler"
)

// Session is a connection accepted by a Listener.
type Session struct {
	*Conn
	Peer     *Peer
	// Remote is the id of the other party.
	Remote   string
	Appendix string
}

// Listener answers every offer its mailbox receives. With the mailbox id
// set to signaler.CenterID it serves all peers sharing a session key.
type Listener struct {
	sb   *Switchboard
	api  *API
	opts []Option

	// Setup runs on each new Peer before the offer is applied.
	Setup func(*Peer) error

	sessions chan *Session
	cancel   context.CancelFunc
	done     chan struct{}

	log logging.LeveledLogger
}

func Listen(ctx context.Context, api *API, mailbox signaler.Mailbox, opts ...Option) (l *Listener, err error) {
	ctx, cancel := context.WithCancel(ctx)
	sb, err := NewSwitchboard(ctx, mailbox, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	o := newOptions(opts)
	l = &Listener{
		sb:   sb,
		api:  api,
		opts: opts,

		sessions: make(chan *Session),
		cancel:   cancel,
		done:     make(chan struct{}),

		log: o.loggerFactory.NewLogger("listener"),
	}
	go l.serve(ctx)
	return l, nil
}

func (l *Listener) ID() string { return l.sb.ID() }

func (l *Listener) serve(ctx context.Context) {
	defer close(l.done)
	for {
		offer, err := l.sb.Accept(ctx)
		if err != nil {
			return
		}
		go l.handleConnect(ctx, offer)
	}
}

func (l *Listener) handleConnect(ctx context.Context, offer *Offer) {
	peer, err := l.api.NewPeer()
	if err != nil {
		l.log.Errorf("create peer for %s: %v", offer.From(), err)
		return
	}
	if l.Setup != nil {
		if err = l.Setup(peer); err != nil {
			l.log.Errorf("setup peer for %s: %v", offer.From(), err)
			peer.Close()
			return
		}
	}
	conn := NewConn(peer, l.opts...)
	if err = conn.Negotiate(ctx, RoleAnswer, offer); err != nil {
		l.log.Warnf("answer %s: %v", offer.From(), err)
		conn.Close()
		return
	}
	sess := &Session{Conn: conn, Peer: peer, Remote: offer.From(), Appendix: offer.Appendix()}
	select {
	case l.sessions <- sess:
	case <-ctx.Done():
		conn.Close()
	}
}

// Accept returns the next negotiated session.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case sess := <-l.sessions:
		return sess, nil
	case <-l.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Close stops answering. Sessions already accepted stay open.
func (l *Listener) Close() error {
	l.cancel()
	err := l.sb.Close()
	<-l.done
	return err
}

// Dial negotiates a new Peer as the offering side with peer through sb.
// setup, when not nil, runs before the offer is created.
func Dial(ctx context.Context, api *API, sb *Switchboard, peer string, setup func(*Peer) error, opts ...Option) (*Session, error) {
	p, err := api.NewPeer()
	if err != nil {
		return nil, errors.Wrap(err, "create peer")
	}
	if setup != nil {
		if err = setup(p); err != nil {
			p.Close()
			return nil, errors.Wrap(err, "setup peer")
		}
	}
	conn := NewConn(p, opts...)
	if err = conn.Negotiate(ctx, RoleOffer, sb.Dial(peer)); err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{Conn: conn, Peer: p, Remote: peer}, nil
}
