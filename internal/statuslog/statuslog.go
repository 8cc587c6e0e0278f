// Package statuslog implements a FIFO of probe/CTF diagnostic messages,
// distinct from decoded trace lines, meant to be rendered by the UI
// only when the trace store is empty. Every message is additionally
// logged through logrus so the headless CLI surfaces the same
// diagnostics a GUI session would show in its log window.
package statuslog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Origin identifies which collaborator produced a status message.
type Origin int

const (
	OriginProbe Origin = iota
	OriginCTF
)

func (o Origin) String() string {
	switch o {
	case OriginProbe:
		return "probe"
	case OriginCTF:
		return "ctf"
	default:
		return "unknown"
	}
}

// Message is a single status/diagnostic entry.
type Message struct {
	Origin Origin
	Text   string
	Code   int // negative indicates an error
}

// Log is an append-only FIFO of status messages plus a logrus sink.
type Log struct {
	mu       sync.Mutex
	messages []Message
	logger   *logrus.Logger
}

// New creates an empty status log. A nil logger falls back to
// logrus.StandardLogger().
func New(logger *logrus.Logger) *Log {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{logger: logger}
}

// Add appends a status message and mirrors it to the logger.
func (l *Log) Add(origin Origin, text string, code int) {
	l.mu.Lock()
	l.messages = append(l.messages, Message{Origin: origin, Text: text, Code: code})
	l.mu.Unlock()

	entry := l.logger.WithFields(logrus.Fields{"origin": origin.String(), "code": code})
	if code < 0 {
		entry.Warn(text)
	} else {
		entry.Info(text)
	}
}

// Clear removes all status messages.
func (l *Log) Clear() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}

// At returns the idx'th status message and true, or the zero Message
// and false if idx is out of range.
func (l *Log) At(idx int) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.messages) {
		return Message{}, false
	}
	return l.messages[idx], true
}

// Count returns the number of status messages currently held.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
