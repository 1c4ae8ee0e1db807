package negotiation

import (
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/peerlink/internal/logging"
)

// DataChannelLabel is the label browsers expect for the chat channel.
const DataChannelLabel = "dataChannel"

// APIOption adjusts the setting engine before the API is built.
type APIOption func(*webrtc.SettingEngine)

// WithNet routes all ICE traffic through n, typically a vnet.Net in tests.
func WithNet(n transport.Net) APIOption {
	return func(se *webrtc.SettingEngine) {
		se.SetNet(n)
	}
}

// NewAPI builds a webrtc.API with the default codecs and interceptors whose
// internal logging goes through logger.
func NewAPI(logger zerolog.Logger, opts ...APIOption) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, NewError("register interceptors", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logging.PionFactory{Logger: logger},
	}
	for _, opt := range opts {
		opt(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// ICEServers turns STUN URLs into a peer connection ICE configuration.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func newPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	return pc, nil
}

func createDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, NewError("create data channel", err)
	}
	return dc, nil
}

func createOffer(pc *webrtc.PeerConnection) (webrtc.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, NewError("set local description", err)
	}
	return offer, nil
}

func createAnswer(pc *webrtc.PeerConnection) (webrtc.SessionDescription, error) {
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, NewError("set local description", err)
	}
	return answer, nil
}
