package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParse_Join(t *testing.T) {
	env, err := Parse([]byte(`{"roomcode":"ABCD"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindJoin || env.RoomCode != "ABCD" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	if env.IsSignaling() {
		t.Fatalf("join must not be a signaling envelope")
	}
}

func TestParse_Description(t *testing.T) {
	env, err := Parse([]byte(`{"sdp":{"type":"offer","sdp":"v=0"},"uuid":"peer-a"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindDescription || env.SenderID != "peer-a" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	desc, err := env.Description.ToPion()
	if err != nil {
		t.Fatalf("to pion: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0" {
		t.Fatalf("unexpected description: %#v", desc)
	}
}

func TestParse_BrowserCandidate(t *testing.T) {
	raw := []byte(`{
		"ice":{
			"candidate":"candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host",
			"sdpMLineIndex":0,
			"sdpMid":"0",
			"usernameFragment":"abcd"
		},
		"uuid":"peer-b"
	}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindCandidate || env.SenderID != "peer-b" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	init := env.Candidate.ToPion()
	if init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
		t.Fatalf("sdpMLineIndex not preserved: %#v", init)
	}
	if init.SDPMid == nil || *init.SDPMid != "0" {
		t.Fatalf("sdpMid not preserved: %#v", init)
	}
	if init.UsernameFragment == nil || *init.UsernameFragment != "abcd" {
		t.Fatalf("usernameFragment not preserved: %#v", init)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `hello`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"room code not string", `{"roomcode":42}`, ErrMalformed},
		{"empty room code", `{"roomcode":""}`, ErrMalformed},
		{"empty object", `{}`, ErrUnknownShape},
		{"unrelated fields", `{"type":"offer"}`, ErrUnknownShape},
		{"two shapes", `{"roomcode":"A","sdp":{"type":"offer","sdp":"v=0"},"uuid":"x"}`, ErrAmbiguousShape},
		{"sdp without sender", `{"sdp":{"type":"offer","sdp":"v=0"}}`, ErrMissingSender},
		{"ice without sender", `{"ice":{"candidate":"c"}}`, ErrMissingSender},
		{"pranswer", `{"sdp":{"type":"pranswer","sdp":"v=0"},"uuid":"x"}`, ErrUnsupportedSDPType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestMarshal_WireShapes(t *testing.T) {
	mid := "0"
	idx := uint16(1)

	cases := []struct {
		name string
		env  Envelope
		keys []string
	}{
		{"join", Join("ABCD"), []string{"roomcode"}},
		{"description", NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, "me"), []string{"sdp", "uuid"}},
		{"candidate", NewCandidate(webrtc.ICECandidateInit{Candidate: "c", SDPMid: &mid, SDPMLineIndex: &idx}, "me"), []string{"ice", "uuid"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.env.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(b, &obj); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(obj) != len(tc.keys) {
				t.Fatalf("got keys %v, want %v", obj, tc.keys)
			}
			for _, k := range tc.keys {
				if _, ok := obj[k]; !ok {
					t.Fatalf("missing key %q in %s", k, b)
				}
			}

			got, err := Parse(b)
			if err != nil {
				t.Fatalf("reparse: %v", err)
			}
			if got.Kind != tc.env.Kind || got.SenderID != tc.env.SenderID {
				t.Fatalf("reparsed %#v, want %#v", got, tc.env)
			}
		})
	}
}

func TestMarshal_RejectsIncompleteEnvelope(t *testing.T) {
	if _, err := (Envelope{Kind: KindDescription}).Marshal(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
	if _, err := (Envelope{}).Marshal(); !errors.Is(err, ErrUnknownShape) {
		t.Fatalf("err=%v, want ErrUnknownShape", err)
	}
}
