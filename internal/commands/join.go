package commands

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerlink/internal/chat"
	"github.com/BioHazard786/peerlink/internal/config"
	"github.com/BioHazard786/peerlink/internal/identity"
	"github.com/BioHazard786/peerlink/internal/media"
	"github.com/BioHazard786/peerlink/internal/negotiation"
	"github.com/BioHazard786/peerlink/internal/signaling"
	"github.com/BioHazard786/peerlink/internal/ui"
)

var (
	flagServer   string
	flagSTUN     []string
	flagCall     bool
	flagTimeout  time.Duration
	flagNoMedia  bool
	flagInsecure bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room-code]",
	Aliases: []string{"j"},
	Short:   "Join a room and chat with the peer in it",
	Long: `Join a room on the signaling relay and negotiate a WebRTC session with the
other peer. Without a room code a new memorable one is generated for you to
share.

Examples:
  peerlink join
  peerlink join brisk-otter-cove
  peerlink join brisk-otter-cove --call
  peerlink join ROOM --server wss://relay.example.com/ws --stun stun:stun.example.com:3478`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, generated := "", false
		if len(args) == 1 {
			room = args[0]
		} else {
			code, err := identity.NewRoomCode()
			if err != nil {
				return fmt.Errorf("generate room code: %w", err)
			}
			room, generated = code, true
		}
		return join(cmd.Context(), room, generated)
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Signaling relay URL (env: SERVER_URL)")
	joinCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URL, repeatable (env: STUN_SERVERS)")
	joinCmd.Flags().BoolVarP(&flagCall, "call", "c", false, "Start the call as soon as the room is joined; the peer must already be in the room")
	joinCmd.Flags().DurationVarP(&flagTimeout, "timeout", "t", 0, "Negotiation timeout, negative disables (env: NEGOTIATION_TIMEOUT)")
	joinCmd.Flags().BoolVar(&flagNoMedia, "no-media", false, "Chat only, without an audio track")
	joinCmd.Flags().BoolVarP(&flagInsecure, "insecure", "k", false, "Skip TLS verification for self-signed relays (env: INSECURE_TLS)")

	rootCmd.AddCommand(joinCmd)
}

func join(ctx context.Context, room string, generated bool) error {
	cfg, err := config.Load(config.Options{
		ServerURL:          flagServer,
		STUNServers:        flagSTUN,
		NegotiationTimeout: flagTimeout,
		InsecureTLS:        flagInsecure,
	})
	if err != nil {
		return err
	}

	logger := log.Logger
	id := identity.New()

	fmt.Println()
	fmt.Println(ui.RoomView(room, id.String(), generated))
	fmt.Println()

	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	client, err := signaling.Dial(ctx, cfg.ServerURL, signaling.Options{
		InsecureTLS: cfg.InsecureTLS,
		Logger:      logger,
	})
	stopSpinner()
	if err != nil {
		return err
	}
	defer client.Close()

	api, err := negotiation.NewAPI(logger)
	if err != nil {
		return err
	}

	transcript := chat.NewTranscript()
	states := make(chan tea.Msg, 32)

	session, err := negotiation.NewSession(negotiation.Config{
		ID:         id,
		API:        api,
		ICEServers: negotiation.ICEServers(cfg.STUNServers),
		Signaler:   client,
		Transcript: transcript,
		Timeout:    cfg.NegotiationTimeout,
		OnState: func(state negotiation.State, err error) {
			select {
			case states <- ui.StateMsg{State: state, Err: err}:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	go session.Run()
	defer session.Close()

	var source media.Source = media.Silence{StreamID: id.String()}
	if flagNoMedia {
		source = media.None{}
	}
	if err := session.Initialize(ctx, source); err != nil {
		return err
	}

	if err := client.Join(room); err != nil {
		return err
	}
	logger.Info().Str("room", room).Msg("joined room")

	go relayEnvelopes(client, session, states, logger)

	model := ui.NewChatModel(ui.ChatOptions{
		Room:    room,
		Timeout: cfg.NegotiationTimeout,
		Entries: transcript.Subscribe(),
		Send:    session.Channel().Send,
		Call:    session.StartAsCaller,
	})
	program := tea.NewProgram(model, tea.WithContext(ctx))

	forwardDone := make(chan struct{})
	defer close(forwardDone)
	go func() {
		for {
			select {
			case msg := <-states:
				program.Send(msg)
			case <-forwardDone:
				return
			}
		}
	}()

	if flagCall {
		go func() {
			if err := session.StartAsCaller(); err != nil {
				states <- ui.NoticeMsg(fmt.Sprintf("cannot start the call: %v", err))
			}
		}()
	}

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chat view: %w", err)
	}

	session.Close()
	transcript.Close()
	fmt.Println()
	fmt.Println(ui.SessionSummaryView(room, session.Stats(), transcript.Entries()))
	return nil
}

// relayEnvelopes feeds everything the relay sends into the session, in order.
func relayEnvelopes(client *signaling.Client, session *negotiation.Session, notices chan<- tea.Msg, logger zerolog.Logger) {
	for data := range client.Incoming() {
		session.OnSignalingEnvelope(data)
	}
	logger.Warn().Msg("relay connection closed")
	select {
	case notices <- ui.NoticeMsg(ui.IconWarning + " relay connection closed, no further signaling"):
	default:
	}
}
