package signaler

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

type SDP = webrtc.SessionDescription

// CenterID is the well known id of the party that accepts offers from every
// peer sharing a session key.
const CenterID = "connection_center"

// Mailbox carries envelopes between the parties sharing one session key.
// A mailbox is bound to the id of its owner.
type Mailbox interface {
	ID() string
	// Post stores env in the inbox of env.To.
	Post(ctx context.Context, env Envelope) error
	// Subscribe streams the envelopes addressed to ID. Every envelope is
	// delivered once and removed from the relay afterwards.
	Subscribe(ctx context.Context) (<-chan Envelope, error)

	Close() error
}

type Envelope struct {
	ID       string `json:"id,omitempty" bson:"-"`
	From     string `json:"from" bson:"from"`
	To       string `json:"to" bson:"to"`
	Type     string `json:"type" bson:"type"`
	SDP      string `json:"sdp" bson:"sdp"`
	Appendix string `json:"appendix,omitempty" bson:"appendix,omitempty"`
}

func NewEnvelope(from, to string, desc SDP, appendix string) Envelope {
	return Envelope{
		From:     from,
		To:       to,
		Type:     desc.Type.String(),
		SDP:      desc.SDP,
		Appendix: appendix,
	}
}

var ErrMalformedEnvelope = errors.New("envelope has no usable description")

// Valid reports whether the envelope carries both a description type and body.
// Relays may hand out stale or partial records, those are skipped.
func (env Envelope) Valid() bool {
	if env.From == "" || env.SDP == "" {
		return false
	}
	switch webrtc.NewSDPType(env.Type) {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
		return true
	}
	return false
}

func (env Envelope) Description() (desc SDP, err error) {
	if !env.Valid() {
		return desc, ErrMalformedEnvelope
	}
	return SDP{Type: webrtc.NewSDPType(env.Type), SDP: env.SDP}, nil
}

// NewID returns a random id for a party that did not pick one.
func NewID() string { return uuid.NewString() }
