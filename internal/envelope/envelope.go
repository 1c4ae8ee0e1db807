// Package envelope implements the signaling wire format exchanged between
// peers and the relay.
//
// Every message is a JSON object carrying exactly one of three shapes: a room
// join, a session description, or an ICE candidate. Signaling shapes are
// tagged with the sender's identity so a peer can drop its own echoes.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind identifies which shape an Envelope carries.
type Kind int

const (
	KindJoin Kind = iota + 1
	KindDescription
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindDescription:
		return "description"
	case KindCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnknownShape       = errors.New("unrecognized envelope shape")
	ErrAmbiguousShape     = errors.New("envelope carries more than one shape")
	ErrMissingSender      = errors.New("signaling envelope missing sender id")
	ErrUnsupportedSDPType = errors.New("unsupported session description type")
)

// Description is the wire form of a session description.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the wire form of an ICE candidate, as produced by
// RTCIceCandidate.toJSON() in browsers.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is one signaling message. Exactly one of RoomCode, Description or
// Candidate is meaningful, as selected by Kind.
type Envelope struct {
	Kind        Kind
	RoomCode    string
	Description *Description
	Candidate   *Candidate
	SenderID    string
}

type wireEnvelope struct {
	RoomCode *string      `json:"roomcode,omitempty"`
	SDP      *Description `json:"sdp,omitempty"`
	ICE      *Candidate   `json:"ice,omitempty"`
	UUID     string       `json:"uuid,omitempty"`
}

// Join builds a room join envelope.
func Join(roomCode string) Envelope {
	return Envelope{Kind: KindJoin, RoomCode: roomCode}
}

// NewDescription builds a session description envelope tagged with senderID.
func NewDescription(desc webrtc.SessionDescription, senderID string) Envelope {
	return Envelope{
		Kind:        KindDescription,
		Description: &Description{Type: desc.Type.String(), SDP: desc.SDP},
		SenderID:    senderID,
	}
}

// NewCandidate builds an ICE candidate envelope tagged with senderID.
func NewCandidate(init webrtc.ICECandidateInit, senderID string) Envelope {
	return Envelope{
		Kind: KindCandidate,
		Candidate: &Candidate{
			Candidate:        init.Candidate,
			SDPMLineIndex:    init.SDPMLineIndex,
			SDPMid:           init.SDPMid,
			UsernameFragment: init.UsernameFragment,
		},
		SenderID: senderID,
	}
}

// IsSignaling reports whether the envelope is a description or a candidate.
func (e Envelope) IsSignaling() bool {
	return e.Kind == KindDescription || e.Kind == KindCandidate
}

// Marshal encodes the envelope to its wire form.
func (e Envelope) Marshal() ([]byte, error) {
	var w wireEnvelope
	switch e.Kind {
	case KindJoin:
		code := e.RoomCode
		w.RoomCode = &code
	case KindDescription:
		if e.Description == nil {
			return nil, fmt.Errorf("%w: description envelope without sdp", ErrMalformed)
		}
		w.SDP = e.Description
		w.UUID = e.SenderID
	case KindCandidate:
		if e.Candidate == nil {
			return nil, fmt.Errorf("%w: candidate envelope without ice", ErrMalformed)
		}
		w.ICE = e.Candidate
		w.UUID = e.SenderID
	default:
		return nil, ErrUnknownShape
	}
	return json.Marshal(w)
}

// Parse decodes and validates a wire envelope.
func Parse(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	shapes := 0
	if w.RoomCode != nil {
		shapes++
	}
	if w.SDP != nil {
		shapes++
	}
	if w.ICE != nil {
		shapes++
	}
	switch {
	case shapes == 0:
		return Envelope{}, ErrUnknownShape
	case shapes > 1:
		return Envelope{}, ErrAmbiguousShape
	}

	switch {
	case w.RoomCode != nil:
		if *w.RoomCode == "" {
			return Envelope{}, fmt.Errorf("%w: empty room code", ErrMalformed)
		}
		return Join(*w.RoomCode), nil

	case w.SDP != nil:
		if w.UUID == "" {
			return Envelope{}, ErrMissingSender
		}
		if _, err := w.SDP.ToPion(); err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: KindDescription, Description: w.SDP, SenderID: w.UUID}, nil

	default:
		if w.UUID == "" {
			return Envelope{}, ErrMissingSender
		}
		return Envelope{Kind: KindCandidate, Candidate: w.ICE, SenderID: w.UUID}, nil
	}
}

// ToPion converts the wire description into a pion session description.
// Only offers and answers are part of the protocol.
func (d Description) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", ErrUnsupportedSDPType, d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// ToPion converts the wire candidate into a pion candidate init.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}
