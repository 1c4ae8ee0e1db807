// Package signaling connects a peer to the relay and moves raw envelopes in
// both directions.
package signaling

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/peerlink/internal/envelope"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("signaling connection closed")

type Options struct {
	// InsecureTLS skips certificate verification for self-signed relays.
	InsecureTLS bool

	// Resolve maps a host name to an address before dialing. Nil uses Lookup.
	Resolve func(ctx context.Context, host string) (string, error)

	Logger zerolog.Logger
}

// Client is one websocket connection to the relay.
type Client struct {
	conn     *websocket.Conn
	incoming chan []byte
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

// Dial connects to the relay at serverURL.
func Dial(ctx context.Context, serverURL string, opts Options) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	resolve := opts.Resolve
	if resolve == nil {
		resolve = Lookup
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: opts.InsecureTLS},
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ip, err := resolve(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan []byte, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
		log:      opts.Logger.With().Str("component", "signaling").Str("server", u.Host).Logger(),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.log.Info().Msg("connected to relay")
	return c, nil
}

// Join asks the relay to put this connection in room code.
func (c *Client) Join(code string) error {
	data, err := envelope.Join(code).Marshal()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Send queues a raw envelope for the relay.
func (c *Client) Send(data []byte) error {
	// A closed client may still have room in outgoing; nothing drains it.
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Incoming delivers text frames from the relay in arrival order. It is
// closed when the connection ends.
func (c *Client) Incoming() <-chan []byte {
	return c.incoming
}

// Done is closed once the connection is shut down from either side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("write to relay failed")
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
