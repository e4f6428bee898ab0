package negortc

import (
	"github.com/pion/webrtc/v4"
)

type SDP = webrtc.SessionDescription

// Transport is the part of a peer connection the negotiation needs.
// Peer implements it on top of pion.
//
// The Watch methods register a listener and return the function that removes
// it. Listeners may be called from any goroutine.
type Transport interface {
	CreateOffer(options *webrtc.OfferOptions) (SDP, error)
	CreateAnswer(options *webrtc.AnswerOptions) (SDP, error)
	SetLocalDescription(desc SDP) error
	SetRemoteDescription(desc SDP) error
	LocalDescription() *SDP
	SignalingState() webrtc.SignalingState
	ICEGatheringState() webrtc.ICEGatheringState

	WatchGathering(fn func(webrtc.ICEGatheringState)) (cancel func())
	WatchNegotiationNeeded(fn func()) (cancel func())
	WatchClosed(fn func()) (cancel func())

	// CreateChannel opens a negotiated, ordered and reliable channel with
	// a fixed id both peers agree on beforehand.
	CreateChannel(label string, id uint16) (Channel, error)
	Transceivers() []Transceiver

	Close() error
}

// Channel is satisfied by *webrtc.DataChannel.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ Channel = (*webrtc.DataChannel)(nil)

type Transceiver interface {
	Mid() string
	// SenderTrackID is empty when nothing is sent on the media line.
	SenderTrackID() string
	// ReceiverTrackID is empty until a remote track arrives.
	ReceiverTrackID() string
}
