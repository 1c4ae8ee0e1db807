package main

import (
	"github.com/rs/zerolog"

	"github.com/BioHazard786/peerlink/internal/commands"
	"github.com/BioHazard786/peerlink/internal/logging"
)

func main() {
	// Quiet by default so log lines do not tear through the chat view.
	logging.Init(zerolog.ErrorLevel)
	commands.Execute()
}
