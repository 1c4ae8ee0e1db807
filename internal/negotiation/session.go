// Package negotiation drives one peer through the offer/answer exchange.
//
// A Session owns a single PeerConnection. Every transition runs on the
// goroutine executing Run; entry points and pion callbacks only enqueue work
// for it, so the session state needs no locking of its own.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/peerlink/internal/chat"
	"github.com/BioHazard786/peerlink/internal/envelope"
	"github.com/BioHazard786/peerlink/internal/identity"
	"github.com/BioHazard786/peerlink/internal/media"
)

// DefaultTimeout bounds the time from role assignment to Connected.
const DefaultTimeout = 30 * time.Second

// Signaler carries marshalled envelopes to the relay.
type Signaler interface {
	Send(data []byte) error
}

type Config struct {
	ID         identity.ID
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Transcript *chat.Transcript

	// Timeout of zero disables the negotiation deadline.
	Timeout time.Duration

	// OnState is called from the session goroutine after each transition.
	// It must not call back into the session synchronously.
	OnState func(state State, err error)

	Logger zerolog.Logger
}

// Stats summarises a session for display.
type Stats struct {
	Role        Role
	State       State
	Err         error
	StartedAt   time.Time
	ConnectedAt time.Time

	EnvelopesSent     int
	EnvelopesReceived int
	EchoesDropped     int
	LocalCandidates   int
	RemoteCandidates  int
	RemoteTracks      int
}

type Session struct {
	cfg        Config
	transcript *chat.Transcript
	channel    *chat.Channel
	log        zerolog.Logger

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	stats Stats

	// Owned by the Run goroutine.
	state   State
	role    Role
	stream  *media.Stream
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
	timer   *time.Timer
}

// NewSession returns an Idle session. Run must be started before any other
// method is called.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("negotiation: nil signaler")
	}
	if cfg.ID == "" {
		cfg.ID = identity.New()
	}
	log := cfg.Logger.With().Str("component", "negotiation").Str("peer", cfg.ID.String()).Logger()

	if cfg.API == nil {
		api, err := NewAPI(cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}

	transcript := cfg.Transcript
	if transcript == nil {
		transcript = chat.NewTranscript()
	}

	s := &Session{
		cfg:        cfg,
		transcript: transcript,
		log:        log,
		events:     make(chan func(), 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.channel = chat.NewChannel(transcript, func() {
		s.enqueue(func() { s.markConnected("data channel open") })
	}, cfg.Logger)
	return s, nil
}

// Run processes session events until Close is called.
func (s *Session) Run() {
	defer close(s.done)

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			s.teardown()
			return
		}
	}
}

// Close tears down the peer connection and stops Run.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) ID() identity.ID { return s.cfg.ID }

func (s *Session) Channel() *chat.Channel { return s.channel }

func (s *Session) Transcript() *chat.Transcript { return s.transcript }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.State
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Initialize acquires local media. On failure the session stays Idle and the
// returned error wraps ErrMedia.
func (s *Session) Initialize(ctx context.Context, src media.Source) error {
	return s.call(func() error {
		if s.state != Idle {
			return WrapError("initialize", ErrInitialized, s.state.String())
		}

		stream, err := src.Acquire(ctx)
		if err != nil {
			err = NewError("acquire media", fmt.Errorf("%w: %w", ErrMedia, err))
			s.log.Error().Err(err).Msg("local media unavailable")
			return err
		}

		s.stream = stream
		s.log.Info().Str("stream", stream.ID).Int("tracks", len(stream.Tracks)).Msg("local media ready")
		s.advance(Initialized)
		return nil
	})
}

// StartAsCaller makes this peer the caller and sends the offer. It fails with
// ErrRoleAssigned when a role was already decided.
func (s *Session) StartAsCaller() error {
	return s.call(s.startAsCaller)
}

// OnSignalingEnvelope queues a raw envelope received from the relay.
func (s *Session) OnSignalingEnvelope(raw []byte) {
	s.enqueue(func() { s.handleEnvelope(raw) })
}

// OnLocalCandidate queues a locally gathered candidate for sending. The nil
// candidate that ends gathering is not forwarded.
func (s *Session) OnLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	s.enqueue(func() { s.sendCandidate(c.ToJSON()) })
}

func (s *Session) enqueue(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the session goroutine and waits for its result.
func (s *Session) call(fn func() error) error {
	result := make(chan error, 1)
	if !s.enqueue(func() { result <- fn() }) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) startAsCaller() error {
	if s.role != NoRole {
		return WrapError("start as caller", ErrRoleAssigned, s.role.String())
	}
	if s.state != Initialized {
		return NewError("start as caller", ErrNotInitialized)
	}

	if err := s.assignRole(Caller); err != nil {
		s.fail(err)
		return err
	}

	dc, err := createDataChannel(s.pc)
	if err != nil {
		s.fail(err)
		return err
	}
	s.channel.Attach(dc)

	offer, err := createOffer(s.pc)
	if err != nil {
		s.fail(err)
		return err
	}
	if err := s.signal(envelope.NewDescription(offer, s.cfg.ID.String())); err != nil {
		err = NewError("send offer", err)
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) assignRole(role Role) error {
	pc, err := newPeerConnection(s.cfg.API, s.cfg.ICEServers)
	if err != nil {
		return err
	}
	s.pc = pc
	s.role = role
	s.update(func(st *Stats) {
		st.Role = role
		st.StartedAt = time.Now()
	})

	for _, track := range s.stream.Tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return NewError("add track", err)
		}
		// RTCP must be read for the interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnICECandidate(s.OnLocalCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.enqueue(func() { s.onConnectionState(state) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go drainTrack(track)
		s.enqueue(func() { s.onRemoteTrack(track) })
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			s.log.Warn().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
			return
		}
		s.channel.Attach(dc)
	})

	s.log.Info().Str("role", role.String()).Msg("role assigned")
	s.advance(RoleAssigned)
	s.startTimer()
	return nil
}

func (s *Session) handleEnvelope(raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if !env.IsSignaling() {
		return
	}
	if s.cfg.ID.Matches(env.SenderID) {
		s.update(func(st *Stats) { st.EchoesDropped++ })
		return
	}
	s.update(func(st *Stats) { st.EnvelopesReceived++ })

	switch s.state {
	case Idle:
		s.log.Warn().Str("kind", env.Kind.String()).Msg("envelope before initialization, dropping")
		return
	case Failed:
		s.log.Debug().Str("kind", env.Kind.String()).Msg("session failed, ignoring envelope")
		return
	}

	if s.role == NoRole {
		if err := s.assignRole(Callee); err != nil {
			s.fail(err)
			return
		}
	}

	switch env.Kind {
	case envelope.KindDescription:
		s.applyDescription(*env.Description)
	case envelope.KindCandidate:
		s.applyCandidate(env.Candidate.ToPion())
	}
}

func (s *Session) applyDescription(d envelope.Description) {
	desc, err := d.ToPion()
	if err != nil {
		s.fail(NewError("parse description", err))
		return
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.fail(WrapError("set remote description", err, desc.Type.String()))
		return
	}
	s.log.Debug().Str("type", desc.Type.String()).Msg("remote description applied")

	if !s.flushCandidates() {
		return
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := createAnswer(s.pc)
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.signal(envelope.NewDescription(answer, s.cfg.ID.String())); err != nil {
			s.fail(NewError("send answer", err))
			return
		}
	}
	s.advance(DescriptionExchanged)
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	s.update(func(st *Stats) { st.RemoteCandidates++ })

	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		s.log.Debug().Int("queued", len(s.pending)).Msg("candidate arrived before remote description")
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.fail(NewError("add ICE candidate", err))
	}
}

func (s *Session) flushCandidates() bool {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.fail(NewError("add ICE candidate", err))
			return false
		}
	}
	return true
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if s.state == Failed {
		return
	}
	if err := s.signal(envelope.NewCandidate(c, s.cfg.ID.String())); err != nil {
		s.log.Warn().Err(err).Msg("failed to send local candidate")
		return
	}
	s.update(func(st *Stats) { st.LocalCandidates++ })
}

func (s *Session) signal(env envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := s.cfg.Signaler.Send(data); err != nil {
		return err
	}
	s.update(func(st *Stats) { st.EnvelopesSent++ })
	return nil
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.log.Debug().Str("state", state.String()).Msg("peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.markConnected("peer connection connected")
	case webrtc.PeerConnectionStateFailed:
		s.fail(NewError("peer connection", ErrConnectionFailed))
	case webrtc.PeerConnectionStateDisconnected:
		s.log.Warn().Msg("peer connection disconnected")
	}
}

func (s *Session) onRemoteTrack(track *webrtc.TrackRemote) {
	s.update(func(st *Stats) { st.RemoteTracks++ })
	s.log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track received")
	s.markConnected("remote track")
}

func (s *Session) markConnected(reason string) {
	if s.state == Failed || s.state == Connected {
		return
	}
	s.stopTimer()
	s.update(func(st *Stats) { st.ConnectedAt = time.Now() })
	s.log.Info().Str("reason", reason).Msg("connected")
	s.advance(Connected)
}

func (s *Session) startTimer() {
	if s.cfg.Timeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(s.cfg.Timeout, func() {
		s.enqueue(s.onTimeout)
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onTimeout() {
	if s.state == Connected || s.state == Failed {
		return
	}
	details := s.cfg.Timeout.String()
	if s.role == Caller && s.Stats().EnvelopesReceived == 0 {
		// The relay does not replay, so an offer sent into an empty room is lost.
		details += ", no reply to the offer; was the other peer in the room?"
	}
	s.fail(WrapError("negotiate", ErrTimeout, details))
}

// advance moves the session forward. It never leaves Failed and never goes
// back to an earlier state.
func (s *Session) advance(to State) {
	if s.state == Failed || to <= s.state {
		return
	}
	s.state = to
	s.update(func(st *Stats) { st.State = to })
	s.notify(to, nil)
}

func (s *Session) fail(err error) {
	if s.state == Failed {
		return
	}
	s.stopTimer()
	s.state = Failed
	s.update(func(st *Stats) {
		st.State = Failed
		st.Err = err
	})
	s.log.Error().Err(err).Str("role", s.role.String()).Msg("negotiation failed")
	s.notify(Failed, err)
}

func (s *Session) notify(state State, err error) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(state, err)
	}
}

func (s *Session) update(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Session) teardown() {
	s.stopTimer()
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing peer connection")
		}
	}
	s.stream.Close()
	s.log.Debug().Msg("session closed")
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
