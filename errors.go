package negortc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrRelay               = errors.New("relay failed")
	ErrDescriptionRejected = errors.New("description rejected by transport")
	ErrChannelNotReady     = errors.New("trackid channel is not open yet")
	ErrUnknownTrack        = errors.New("no local sender for track")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrAlreadyNegotiated   = errors.New("connection was already negotiated")
)

// RemoteEnquiryError carries the reason the remote gave for not answering a
// track id enquiry.
type RemoteEnquiryError struct {
	TrackID string
	Reason  string
}

func (e *RemoteEnquiryError) Error() string {
	return fmt.Sprintf("remote cannot resolve track %s: %s", e.TrackID, e.Reason)
}

// Step names the handshake step a NegotiationError happened in.
type Step string

const (
	StepChannels     Step = "create side channels"
	StepCreateOffer  Step = "create offer"
	StepCreateAnswer Step = "create answer"
	StepSetLocal     Step = "set local description"
	StepSetRemote    Step = "set remote description"
	StepGather       Step = "gather candidates"
	StepSend         Step = "send description"
	StepAwaitRemote  Step = "await remote description"
)

type NegotiationError struct {
	Role Role
	Step Step
	// Kind is ErrRelay, ErrDescriptionRejected or ErrConnectionClosed. It is
	// the context error when ctx ends during gathering.
	Kind error
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate as %s: %s: %v: %v", e.Role, e.Step, e.Kind, e.Err)
}

func (e *NegotiationError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
