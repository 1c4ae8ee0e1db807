package relay

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/BioHazard786/peerlink/internal/envelope"
	"github.com/BioHazard786/peerlink/internal/metrics"
)

type inbound struct {
	from Member
	data []byte
}

// Hub is the relay's event loop. It owns the set of live connections and
// processes every inbound envelope to completion before taking the next one.
type Hub struct {
	registry *Registry
	clients  map[Member]struct{}

	register   chan Member
	unregister chan Member
	inbound    chan inbound
	quit       chan struct{}
	done       chan struct{}

	log zerolog.Logger
}

// NewHub creates a hub backed by registry.
func NewHub(registry *Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		registry:   registry,
		clients:    make(map[Member]struct{}),
		register:   make(chan Member),
		unregister: make(chan Member),
		inbound:    make(chan inbound, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        logger.With().Str("component", "hub").Logger(),
	}
}

// Registry returns the room registry the hub writes to.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Register announces a new connection.
func (h *Hub) Register(m Member) {
	select {
	case h.register <- m:
	case <-h.quit:
		m.Close()
	}
}

// Unregister announces that a connection's transport has closed.
func (h *Hub) Unregister(m Member) {
	select {
	case h.unregister <- m:
	case <-h.quit:
	}
}

// Submit hands a raw inbound message from m to the hub.
func (h *Hub) Submit(m Member, data []byte) {
	select {
	case h.inbound <- inbound{from: m, data: data}:
	case <-h.quit:
	}
}

// Stop ends the event loop and closes every connection.
func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// Run starts the hub's main processing loop. It is the only goroutine that
// mutates connection state.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			for m := range h.clients {
				h.registry.Leave(m)
				m.Close()
				delete(h.clients, m)
			}
			metrics.ActiveConnections.Set(0)
			metrics.ActiveRooms.Set(float64(h.registry.Rooms()))
			return

		case m := <-h.register:
			h.clients[m] = struct{}{}
			metrics.ActiveConnections.Inc()
			h.log.Debug().Str("conn", m.String()).Msg("connection registered")

		case m := <-h.unregister:
			if _, ok := h.clients[m]; !ok {
				continue
			}
			delete(h.clients, m)
			metrics.ActiveConnections.Dec()

			if code, ok := h.registry.Leave(m); ok {
				h.log.Info().Str("conn", m.String()).Str("room", code).Msg("connection left room")
				metrics.ActiveRooms.Set(float64(h.registry.Rooms()))
			}
			m.Close()
			h.log.Debug().Str("conn", m.String()).Msg("connection unregistered")

		case in := <-h.inbound:
			h.handle(in.from, in.data)
		}
	}
}

// handle classifies one inbound message and either joins its sender to a
// room or broadcasts it to the sender's room. Malformed input is logged and
// dropped; it never affects the connection's membership.
func (h *Hub) handle(from Member, data []byte) {
	env, err := envelope.Parse(data)
	if err != nil {
		metrics.EnvelopesDroppedTotal.WithLabelValues(metrics.ReasonMalformed).Inc()
		h.log.Warn().Err(err).Str("conn", from.String()).Int("bytes", len(data)).Msg("dropping malformed envelope")
		return
	}

	if env.Kind == envelope.KindJoin {
		h.join(from, env.RoomCode)
		return
	}

	code, ok := h.registry.RoomOf(from)
	if !ok {
		metrics.EnvelopesDroppedTotal.WithLabelValues(metrics.ReasonNoRoom).Inc()
		h.log.Debug().Str("conn", from.String()).Str("kind", env.Kind.String()).Msg("sender is not in a room, dropping envelope")
		return
	}

	h.broadcast(code, data)
	metrics.EnvelopesRelayedTotal.WithLabelValues(env.Kind.String()).Inc()
	h.log.Debug().Str("room", code).Str("kind", env.Kind.String()).Str("sender", env.SenderID).Msg("envelope relayed")
}

func (h *Hub) join(m Member, code string) {
	previous, moved := h.registry.Join(m, code)
	if moved {
		h.log.Info().Str("conn", m.String()).Str("from", previous).Str("room", code).Msg("connection moved to another room")
	} else {
		h.log.Info().Str("conn", m.String()).Str("room", code).Msg("connection joined room")
	}
	metrics.JoinsTotal.Inc()
	metrics.ActiveRooms.Set(float64(h.registry.Rooms()))
}

// broadcast delivers data verbatim to every member of the room, the sender
// included. A failed delivery is skipped and never stops the others.
func (h *Hub) broadcast(code string, data []byte) {
	for _, m := range h.registry.Members(code) {
		err := m.Deliver(data)
		if err == nil {
			continue
		}

		reason := metrics.ReasonTransportClosed
		if errors.Is(err, ErrSendBufferFull) {
			reason = metrics.ReasonBufferFull
		}
		metrics.DeliveriesDroppedTotal.WithLabelValues(reason).Inc()
		h.log.Debug().Err(err).Str("conn", m.String()).Str("room", code).Msg("skipping member")
	}
}
