package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/peerlink/internal/chat"
	"github.com/BioHazard786/peerlink/internal/envelope"
	"github.com/BioHazard786/peerlink/internal/identity"
	"github.com/BioHazard786/peerlink/internal/logging"
	"github.com/BioHazard786/peerlink/internal/media"
	"github.com/BioHazard786/peerlink/internal/relay"
)

// newVNetAPIs returns one API per address, all attached to a single virtual
// router so ICE never touches the host network.
func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.PionFactory{Logger: zerolog.Nop()},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	apis := make([]*webrtc.API, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := NewAPI(zerolog.Nop(), WithNet(n))
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return apis
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingSignaler) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	return nil
}

func (r *recordingSignaler) envelopes(t *testing.T) []envelope.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]envelope.Envelope, 0, len(r.sent))
	for _, data := range r.sent {
		env, err := envelope.Parse(data)
		if err != nil {
			t.Fatalf("session sent an unparseable envelope %q: %v", data, err)
		}
		out = append(out, env)
	}
	return out
}

// roomPeer joins a real relay hub in-process. Deliveries are forwarded to the
// session in order on their own goroutine.
type roomPeer struct {
	name    string
	hub     *relay.Hub
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
	session *Session

	mu   sync.Mutex
	sent [][]byte
}

func (p *roomPeer) Deliver(data []byte) error {
	select {
	case p.inbox <- data:
		return nil
	case <-p.done:
		return relay.ErrTransportClosed
	default:
		return relay.ErrSendBufferFull
	}
}

func (p *roomPeer) Close() { p.once.Do(func() { close(p.done) }) }

func (p *roomPeer) String() string { return p.name }

func (p *roomPeer) Send(data []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, data)
	p.mu.Unlock()
	p.hub.Submit(p, data)
	return nil
}

// candidateCounts snapshots the stats and the signaled envelopes together on
// the session goroutine, so no candidate is sent in between.
func (p *roomPeer) candidateCounts(t *testing.T) (counted, signaled int) {
	t.Helper()

	var sent [][]byte
	_ = p.session.call(func() error {
		counted = p.session.Stats().LocalCandidates
		p.mu.Lock()
		sent = append([][]byte(nil), p.sent...)
		p.mu.Unlock()
		return nil
	})

	for _, data := range sent {
		env, err := envelope.Parse(data)
		if err != nil {
			t.Fatalf("%s sent an unparseable envelope %q: %v", p.name, data, err)
		}
		if env.Kind == envelope.KindCandidate {
			signaled++
		}
	}
	return counted, signaled
}

func (p *roomPeer) forward() {
	for {
		select {
		case data := <-p.inbox:
			p.session.OnSignalingEnvelope(data)
		case <-p.done:
			return
		}
	}
}

func newRoomPeer(t *testing.T, hub *relay.Hub, name, room string, api *webrtc.API, src media.Source) *roomPeer {
	t.Helper()

	p := &roomPeer{
		name:  name,
		hub:   hub,
		inbox: make(chan []byte, 1024),
		done:  make(chan struct{}),
	}

	s, err := NewSession(Config{
		ID:       identity.New(),
		API:      api,
		Signaler: p,
		Timeout:  DefaultTimeout,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	p.session = s
	go s.Run()
	t.Cleanup(s.Close)

	if err := s.Initialize(context.Background(), src); err != nil {
		t.Fatalf("initialize %s: %v", name, err)
	}

	hub.Register(p)
	join, _ := envelope.Join(room).Marshal()
	p.Send(join)
	go p.forward()
	return p
}

func newLoneSession(t *testing.T, sig Signaler, timeout time.Duration, onState func(State, error)) *Session {
	t.Helper()

	api := newVNetAPIs(t, "10.0.0.1")[0]
	s, err := NewSession(Config{
		API:      api,
		Signaler: sig,
		Timeout:  timeout,
		OnState:  onState,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	go s.Run()
	t.Cleanup(s.Close)
	return s
}

// settle waits until everything queued before it has been processed.
func (s *Session) settle() {
	_ = s.call(func() error { return nil })
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessions_NegotiateThroughRelayAndChat(t *testing.T) {
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")

	hub := relay.NewHub(relay.NewRegistry(nil), zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Stop)

	a := newRoomPeer(t, hub, "a", "ROOM", apis[0], media.Silence{StreamID: "a"})
	b := newRoomPeer(t, hub, "b", "ROOM", apis[1], media.Silence{StreamID: "b"})
	waitFor(t, 2*time.Second, "both peers in room", func() bool {
		return len(hub.Registry().Members("ROOM")) == 2
	})

	if err := a.session.StartAsCaller(); err != nil {
		t.Fatalf("StartAsCaller() error = %v", err)
	}

	waitFor(t, 20*time.Second, "both sessions connected", func() bool {
		return a.session.State() == Connected && b.session.State() == Connected
	})
	waitFor(t, 10*time.Second, "data channels open", func() bool {
		return a.session.Channel().State() == chat.Open && b.session.Channel().State() == chat.Open
	})

	if err := a.session.Channel().Send("hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, 5*time.Second, "message delivered", func() bool {
		entries := b.session.Transcript().Entries()
		return len(entries) == 1 && entries[0].Origin == chat.Remote && entries[0].Text == "hello"
	})

	sa, sb := a.session.Stats(), b.session.Stats()
	if sa.Role != Caller || sb.Role != Callee {
		t.Fatalf("roles = %v/%v, want caller/callee", sa.Role, sb.Role)
	}
	// The relay echoes everything, so each side must have discarded its own offer or answer.
	if sa.EchoesDropped == 0 || sb.EchoesDropped == 0 {
		t.Fatalf("echoes dropped = %d/%d, want both > 0", sa.EchoesDropped, sb.EchoesDropped)
	}
	if sa.RemoteTracks == 0 || sb.RemoteTracks == 0 {
		t.Fatalf("remote tracks = %d/%d, want both > 0", sa.RemoteTracks, sb.RemoteTracks)
	}

	// Every gathered candidate goes out as exactly one envelope.
	for _, p := range []*roomPeer{a, b} {
		counted, signaled := p.candidateCounts(t)
		if counted == 0 {
			t.Fatalf("%s gathered no local candidates", p.name)
		}
		if counted != signaled {
			t.Fatalf("%s LocalCandidates = %d, candidate envelopes sent = %d", p.name, counted, signaled)
		}
	}
}

func TestSession_ForwardsEachLocalCandidateOnce(t *testing.T) {
	sig := &recordingSignaler{}
	s := newLoneSession(t, sig, 0, nil)

	// The end-of-gathering marker is not a candidate.
	s.OnLocalCandidate(nil)
	s.settle()
	if envs := sig.envelopes(t); len(envs) != 0 {
		t.Fatalf("nil candidate produced %d envelopes", len(envs))
	}

	s.OnLocalCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       9,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
		SDPMid:     "0",
	})
	s.OnLocalCandidate(nil)
	s.settle()

	envs := sig.envelopes(t)
	if len(envs) != 1 || envs[0].Kind != envelope.KindCandidate {
		t.Fatalf("sent %+v, want one candidate envelope", envs)
	}
	if envs[0].SenderID != s.ID().String() {
		t.Fatalf("candidate sender = %q, want %q", envs[0].SenderID, s.ID())
	}
	if n := s.Stats().LocalCandidates; n != 1 {
		t.Fatalf("LocalCandidates = %d, want 1", n)
	}
}

func TestSession_IgnoresItsOwnEcho(t *testing.T) {
	sig := &recordingSignaler{}
	s := newLoneSession(t, sig, 0, nil)
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	echo, _ := envelope.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, s.ID().String()).Marshal()
	s.OnSignalingEnvelope(echo)
	s.settle()

	st := s.Stats()
	if st.State != Initialized || st.Role != NoRole {
		t.Fatalf("state=%v role=%v, want initialized with no role", st.State, st.Role)
	}
	if st.EchoesDropped != 1 || st.EnvelopesReceived != 0 {
		t.Fatalf("echoes=%d received=%d", st.EchoesDropped, st.EnvelopesReceived)
	}

	// An echo never claims the role, so the peer can still call.
	if err := s.StartAsCaller(); err != nil {
		t.Fatalf("StartAsCaller() error = %v", err)
	}
}

func TestSession_QueuesCandidatesUntilRemoteDescription(t *testing.T) {
	sig := &recordingSignaler{}
	s := newLoneSession(t, sig, 0, nil)
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	mid := "0"
	index := uint16(0)
	cand, _ := envelope.NewCandidate(webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.9 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}, "remote").Marshal()
	s.OnSignalingEnvelope(cand)
	s.settle()

	var queued int
	_ = s.call(func() error { queued = len(s.pending); return nil })
	if queued != 1 {
		t.Fatalf("queued candidates = %d, want 1", queued)
	}
	if st := s.Stats(); st.Role != Callee || st.State != RoleAssigned {
		t.Fatalf("role=%v state=%v, want callee/role-assigned", st.Role, st.State)
	}

	remoteAPI := newVNetAPIs(t, "10.0.0.2")[0]
	remote, err := remoteAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = remote.Close() })
	if _, err := remote.CreateDataChannel(DataChannelLabel, nil); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	data, _ := envelope.NewDescription(offer, "remote").Marshal()
	s.OnSignalingEnvelope(data)
	s.settle()

	_ = s.call(func() error { queued = len(s.pending); return nil })
	if queued != 0 {
		t.Fatalf("queued candidates after offer = %d, want 0", queued)
	}
	if st := s.State(); st != DescriptionExchanged {
		t.Fatalf("State() = %v, want description-exchanged", st)
	}

	var answers int
	for _, env := range sig.envelopes(t) {
		if env.Kind == envelope.KindDescription {
			if env.Description.Type != "answer" || env.SenderID != s.ID().String() {
				t.Fatalf("unexpected description %+v from %q", env.Description.Type, env.SenderID)
			}
			answers++
		}
	}
	if answers != 1 {
		t.Fatalf("answers sent = %d, want 1", answers)
	}
}

func TestSession_MediaFailureStaysIdle(t *testing.T) {
	s := newLoneSession(t, &recordingSignaler{}, 0, nil)

	err := s.Initialize(context.Background(), media.Unavailable{})
	if !errors.Is(err, ErrMedia) || !errors.Is(err, media.ErrUnavailable) {
		t.Fatalf("Initialize() error = %v, want ErrMedia wrapping ErrUnavailable", err)
	}
	if s.State() != Idle {
		t.Fatalf("State() = %v, want idle", s.State())
	}
	if err := s.StartAsCaller(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("StartAsCaller() error = %v, want ErrNotInitialized", err)
	}

	// A retry with working media succeeds.
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if err := s.Initialize(context.Background(), media.None{}); !errors.Is(err, ErrInitialized) {
		t.Fatalf("third Initialize() error = %v, want ErrInitialized", err)
	}
}

func TestSession_EnvelopeBeforeInitializeIsDropped(t *testing.T) {
	s := newLoneSession(t, &recordingSignaler{}, 0, nil)

	offer, _ := envelope.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, "remote").Marshal()
	s.OnSignalingEnvelope(offer)
	s.settle()

	if st := s.Stats(); st.State != Idle || st.Role != NoRole {
		t.Fatalf("state=%v role=%v, want idle with no role", st.State, st.Role)
	}
}

func TestSession_RoleIsDecidedOnce(t *testing.T) {
	sig := &recordingSignaler{}
	s := newLoneSession(t, sig, 0, nil)
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := s.StartAsCaller(); err != nil {
		t.Fatalf("StartAsCaller() error = %v", err)
	}
	if err := s.StartAsCaller(); !errors.Is(err, ErrRoleAssigned) {
		t.Fatalf("second StartAsCaller() error = %v, want ErrRoleAssigned", err)
	}

	envs := sig.envelopes(t)
	if len(envs) == 0 || envs[0].Kind != envelope.KindDescription || envs[0].Description.Type != "offer" {
		t.Fatalf("first envelope sent = %+v, want an offer", envs)
	}
}

func TestSession_CalleeCannotCall(t *testing.T) {
	s := newLoneSession(t, &recordingSignaler{}, 0, nil)
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	cand, _ := envelope.NewCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.9 9 typ host"}, "remote").Marshal()
	s.OnSignalingEnvelope(cand)
	s.settle()

	if err := s.StartAsCaller(); !errors.Is(err, ErrRoleAssigned) {
		t.Fatalf("StartAsCaller() error = %v, want ErrRoleAssigned", err)
	}
}

func TestSession_TimeoutFails(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	onState := func(state State, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%v:%v", state, err != nil))
	}

	s := newLoneSession(t, &recordingSignaler{}, 100*time.Millisecond, onState)
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := s.StartAsCaller(); err != nil {
		t.Fatalf("StartAsCaller() error = %v", err)
	}

	waitFor(t, 2*time.Second, "session to fail", func() bool { return s.State() == Failed })
	err := s.Stats().Err
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Stats().Err = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "no reply to the offer") {
		t.Fatalf("Stats().Err = %v, want a hint about the unanswered offer", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"initialized:false", "role-assigned:false", "failed:true"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("state hook saw %v, want %v", seen, want)
	}
}

func TestSession_FailureIsTerminal(t *testing.T) {
	s := newLoneSession(t, &recordingSignaler{}, 0, nil)
	if err := s.Initialize(context.Background(), media.None{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// An answer with no offer outstanding cannot be applied.
	bad, _ := envelope.NewDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, "remote").Marshal()
	s.OnSignalingEnvelope(bad)
	s.settle()

	st := s.Stats()
	if st.State != Failed {
		t.Fatalf("State = %v, want failed", st.State)
	}
	var negErr *Error
	if !errors.As(st.Err, &negErr) || negErr.Op != "set remote description" {
		t.Fatalf("Err = %v, want a set remote description failure", st.Err)
	}

	cand, _ := envelope.NewCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.9 9 typ host"}, "remote").Marshal()
	s.OnSignalingEnvelope(cand)
	s.settle()
	if s.State() != Failed {
		t.Fatalf("State() = %v after more input, want failed", s.State())
	}
}

func TestSession_CloseStopsRun(t *testing.T) {
	s := newLoneSession(t, &recordingSignaler{}, 0, nil)
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Close()")
	}
	if err := s.StartAsCaller(); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartAsCaller() error = %v, want ErrClosed", err)
	}
}
