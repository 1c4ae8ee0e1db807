package chat

import (
	"sync"
	"time"
)

// Origin tells who wrote a transcript entry.
type Origin int

const (
	Local Origin = iota
	Remote
	// System entries are local notices such as failed sends.
	System
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "system"
	}
}

// Entry is one line of the conversation.
type Entry struct {
	Origin Origin
	Text   string
	At     time.Time
}

// Transcript is the ordered, in-memory record of a chat. It keeps no
// identifiers and is never persisted.
type Transcript struct {
	mu      sync.Mutex
	entries []Entry
	subs    []chan Entry
	closed  bool
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append records text and fans it out to subscribers in append order.
// Slow subscribers lose entries rather than blocking the data channel.
func (t *Transcript) Append(origin Origin, text string) Entry {
	e := Entry{Origin: origin, Text: text, At: time.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, e)
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Entries returns a copy of the transcript so far.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Subscribe returns a channel receiving every entry appended from now on.
func (t *Transcript) Subscribe() <-chan Entry {
	ch := make(chan Entry, 256)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Close ends every subscription. Entries appended afterwards are still
// recorded but no longer fanned out.
func (t *Transcript) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}
