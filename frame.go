package negortc

import (
	"encoding/json"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

var errMalformedFrame = errors.New("malformed frame")

func encodeDescription(desc SDP) (string, error) {
	b, err := json.Marshal(desc)
	return string(b), err
}

// decodeDescription accepts offers and answers whose body parses as SDP.
func decodeDescription(data []byte) (desc SDP, err error) {
	var raw struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err = json.Unmarshal(data, &raw); err != nil {
		return desc, errors.Wrap(errMalformedFrame, err.Error())
	}
	switch t := webrtc.NewSDPType(raw.Type); t {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
		desc.Type = t
	default:
		return desc, errors.Wrapf(errMalformedFrame, "description type %q", raw.Type)
	}
	if raw.SDP == "" {
		return desc, errors.Wrap(errMalformedFrame, "empty description")
	}
	var parsed sdp.SessionDescription
	if err = parsed.UnmarshalString(raw.SDP); err != nil {
		return desc, errors.Wrap(errMalformedFrame, err.Error())
	}
	desc.SDP = raw.SDP
	return desc, nil
}

// mids lists the media line ids of desc, for logging.
func mids(desc SDP) string {
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return ""
	}
	ids := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		if mid, ok := m.Attribute(sdp.AttrKeyMID); ok {
			ids = append(ids, mid)
		}
	}
	return strings.Join(ids, ",")
}

const (
	trackEnquiry = "enquiry"
	trackAnswer  = "answer"
)

type trackMessage struct {
	Type string `json:"type"`
	Mid  string `json:"mid"`

	TrackID string `json:"trackid,omitempty"`

	EnquiryTrackID string  `json:"enquirytrackid,omitempty"`
	AnswerTrackID  *string `json:"answertrackid,omitempty"`
	Error          *string `json:"error,omitempty"`
}

func decodeTrackMessage(data []byte) (msg trackMessage, err error) {
	if err = json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Wrap(errMalformedFrame, err.Error())
	}
	if msg.Mid == "" {
		return msg, errors.Wrap(errMalformedFrame, "message without mid")
	}
	switch msg.Type {
	case trackEnquiry:
		if msg.TrackID == "" {
			return msg, errors.Wrap(errMalformedFrame, "enquiry without trackid")
		}
	case trackAnswer:
		if msg.EnquiryTrackID == "" {
			return msg, errors.Wrap(errMalformedFrame, "answer without enquirytrackid")
		}
		if (msg.AnswerTrackID == nil) == (msg.Error == nil) {
			return msg, errors.Wrap(errMalformedFrame, "answer needs exactly one of answertrackid and error")
		}
		if msg.AnswerTrackID != nil && *msg.AnswerTrackID == "" {
			return msg, errors.Wrap(errMalformedFrame, "answer with empty answertrackid")
		}
	default:
		return msg, errors.Wrapf(errMalformedFrame, "message type %q", msg.Type)
	}
	return msg, nil
}

func (msg trackMessage) encode() (string, error) {
	b, err := json.Marshal(msg)
	return string(b), err
}
