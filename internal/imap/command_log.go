package imap

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	statusOK = "OK"
	statusNO = "NO"
)

// defaultCommandLogSize bounds how many commands a session remembers.
const defaultCommandLogSize = 200

// CommandEntry is one protocol round-trip issued by a session.
type CommandEntry struct {
	At       time.Time
	Command  string
	Status   string
	Detail   string
	Duration time.Duration
}

func (e CommandEntry) String() string {
	s := fmt.Sprintf("%s %-6s %s (%s)", e.At.Format(time.RFC3339Nano), e.Command, e.Status, e.Duration.Round(time.Millisecond))
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// CommandLog keeps the most recent commands of a session in chronological order.
type CommandLog struct {
	mu      sync.Mutex
	entries []CommandEntry
	size    int
}

// NewCommandLog creates a log that keeps at most size entries.
func NewCommandLog(size int) *CommandLog {
	if size <= 0 {
		size = defaultCommandLogSize
	}
	return &CommandLog{size: size}
}

// Add appends an entry, dropping the oldest one when full.
func (l *CommandLog) Add(e CommandEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.size-1]
	}
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log, oldest first.
func (l *CommandLog) Entries() []CommandEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]CommandEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// String renders the log one entry per line.
func (l *CommandLog) String() string {
	var b strings.Builder
	for _, e := range l.Entries() {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
