// Package commands holds the peerlink command line.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerlink/internal/ui"
	"github.com/BioHazard786/peerlink/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Browser-compatible WebRTC chat and calls through a tiny signaling relay",
	Long: `peerlink joins a room on a signaling relay, negotiates a direct WebRTC
connection with whoever else is in the room, and opens a chat over the
resulting data channel. The relay only forwards signaling; chat text and
media never pass through it.`,
	Version: version.Version,
}

// Execute runs the root command. Interrupts cancel the command context so
// sessions can close their peer connections before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
