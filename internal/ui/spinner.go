package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// LineSpinner animates a single status line outside of a bubbletea program,
// for the short blocking steps before the chat view starts.
type LineSpinner struct {
	out      io.Writer
	message  string
	frames   []string
	interval time.Duration

	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

func NewLineSpinner(out io.Writer, message string, s spinner.Spinner) *LineSpinner {
	return &LineSpinner{
		out:      out,
		message:  message,
		frames:   s.Frames,
		interval: s.FPS,
		done:     make(chan struct{}),
	}
}

func (s *LineSpinner) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for i := 0; ; i++ {
			s.mu.Lock()
			if !s.stopped {
				fmt.Fprintf(s.out, "\r%s %s", SpinnerStyle.Render(s.frames[i%len(s.frames)]), s.message)
			}
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop clears the spinner line. It is safe to call more than once.
func (s *LineSpinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	fmt.Fprint(s.out, "\r\033[K")
}

// RunConnectionSpinner starts a spinner on stdout and returns its stop function.
func RunConnectionSpinner(message string) func() {
	sp := NewLineSpinner(os.Stdout, message, spinner.Globe)
	sp.Start()
	return sp.Stop
}
