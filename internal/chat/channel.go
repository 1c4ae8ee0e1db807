// Package chat carries free-text messages over an established data channel.
package chat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrChannelNotOpen = errors.New("data channel not open")

// State is the data channel sub-state, independent of negotiation.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// DataChannel is the part of *webrtc.DataChannel the chat layer uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
}

// Channel sends and receives chat text on one data channel. Ordering and
// reliability come from the channel's negotiated configuration.
type Channel struct {
	mu    sync.Mutex
	dc    DataChannel
	state State

	transcript *Transcript
	onOpen     func()
	log        zerolog.Logger
}

// NewChannel returns a closed channel writing to transcript. onOpen, if set,
// runs every time an attached data channel opens.
func NewChannel(transcript *Transcript, onOpen func(), logger zerolog.Logger) *Channel {
	return &Channel{
		transcript: transcript,
		onOpen:     onOpen,
		log:        logger.With().Str("component", "chat").Logger(),
	}
}

// Attach binds the channel to dc, either one we created or one the remote
// side announced.
func (c *Channel) Attach(dc DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.state = Closed
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.setState(dc, Open)
		c.log.Info().Str("label", dc.Label()).Msg("data channel open")
		if c.onOpen != nil {
			c.onOpen()
		}
	})
	dc.OnClose(func() {
		c.setState(dc, Closed)
		c.log.Info().Str("label", dc.Label()).Msg("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.transcript.Append(Remote, string(msg.Data))
	})
}

func (c *Channel) setState(dc DataChannel, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == dc {
		c.state = s
	}
}

// State returns the channel's current sub-state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send transmits text. It fails with ErrChannelNotOpen unless the channel is
// open; nothing is queued for later.
func (c *Channel) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dc == nil || c.state != Open || c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if err := c.dc.SendText(text); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	c.transcript.Append(Local, text)
	return nil
}
