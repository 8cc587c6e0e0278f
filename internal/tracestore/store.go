// Package tracestore implements the append-only TraceLine list: it is
// the itmdecode.Sink the decoder feeds, applying the per-byte
// split/seal policy that turns a channel's raw stimulus bytes into
// sealed TraceLine entries, and the query/export operations (find, find
// by timestamp, CSV save) the UI or CLI runs against the resulting
// history.
//
// Lines are held in a contiguous growable slice rather than a linked
// list, which is the idiomatic Go shape for an append-only,
// randomly-indexed sequence and avoids a per-node allocation for no
// benefit here.
package tracestore

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"swotrace/internal/chanreg"
)

const (
	initialLineCap  = 32
	maxLineCap      = 256
	continuationGap = 0.1 // seconds
)

// lineFlags bits.
const (
	flagSealed = 1 << 0
)

// TraceLine is one decoded, possibly still-open line of trace output.
type TraceLine struct {
	Channel   uint8
	Timestamp float64
	Timefmt   string // "%.3f" (or "%.6f" for CTF high-precision lines) seconds since the first line
	text      []byte
	flags     uint8
}

// Text returns the line's accumulated text.
func (l *TraceLine) Text() string { return string(l.text) }

func (l *TraceLine) sealed() bool { return l.flags&flagSealed != 0 }
func (l *TraceLine) seal()        { l.flags |= flagSealed }

// Store is the owner of the decoded trace history. It is not safe for
// concurrent mutation; it is owned exclusively by the consumer goroutine
// that also drives the decoder.
type Store struct {
	registry *chanreg.Registry
	lines    []TraceLine
	anchor   float64
	anchored bool
}

// New creates an empty trace store. registry supplies the channel names
// Save writes; Find searches every line regardless of channel state.
func New(registry *chanreg.Registry) *Store {
	return &Store{registry: registry}
}

// Clear discards all decoded lines and resets the timestamp anchor.
func (s *Store) Clear() {
	s.lines = s.lines[:0]
	s.anchored = false
	s.anchor = 0
}

// IsEmpty reports whether the store holds no lines.
func (s *Store) IsEmpty() bool { return len(s.lines) == 0 }

// Count returns the number of lines currently held.
func (s *Store) Count() int { return len(s.lines) }

// Line returns the line at idx. Callers must not mutate the returned
// pointer's Text via any means other than the Store's Append* methods.
func (s *Store) Line(idx int) *TraceLine {
	if idx < 0 || idx >= len(s.lines) {
		return nil
	}
	return &s.lines[idx]
}

// AppendPlain implements itmdecode.Sink: it applies the split/seal
// policy to a chunk of same-channel stimulus bytes, one byte at a time,
// sealing the current tail line on CR/LF, a channel switch, the
// 256-byte cap, or a >0.1s continuation gap.
func (s *Store) AppendPlain(channel uint8, data []byte, ts float64) {
	for _, b := range data {
		s.appendByte(channel, b, ts, "%.3f")
	}
}

// AppendMessage implements itmdecode.Sink: a fully-decoded CTF message
// is always its own sealed line, never coalesced with a neighbor.
func (s *Store) AppendMessage(channel uint8, text string, ts float64, highPrecision bool) {
	format := "%.3f"
	if highPrecision {
		format = "%.6f"
	}
	line := s.newLine(channel, ts, format)
	line.text = append(line.text, text...)
	line.seal()
}

func (s *Store) tail() *TraceLine {
	if len(s.lines) == 0 {
		return nil
	}
	return &s.lines[len(s.lines)-1]
}

func (s *Store) appendByte(channel uint8, b byte, ts float64, format string) {
	tail := s.tail()

	if b == '\r' || b == '\n' {
		if tail != nil && !tail.sealed() && len(tail.text) > 0 {
			tail.seal()
		}
		return
	}

	if tail == nil || tail.sealed() ||
		tail.Channel != channel ||
		len(tail.text) >= maxLineCap ||
		ts-tail.Timestamp > continuationGap {
		tail = s.newLine(channel, ts, format)
	}

	tail.text = appendGrow(tail.text, b)
}

// appendGrow appends b to text, doubling capacity from an initial 32
// bytes up to maxLineCap. Once a line reaches maxLineCap, further bytes
// are silently discarded rather than growing without bound.
func appendGrow(text []byte, b byte) []byte {
	if len(text) >= maxLineCap {
		return text
	}
	if cap(text) == len(text) {
		newCap := initialLineCap
		if cap(text) > 0 {
			newCap = cap(text) * 2
		}
		if newCap > maxLineCap {
			newCap = maxLineCap
		}
		grown := make([]byte, len(text), newCap)
		copy(grown, text)
		text = grown
	}
	return append(text, b)
}

func (s *Store) newLine(channel uint8, ts float64, format string) *TraceLine {
	if !s.anchored {
		s.anchor = ts
		s.anchored = true
	}
	s.lines = append(s.lines, TraceLine{
		Channel:   channel,
		Timestamp: ts,
		Timefmt:   fmt.Sprintf(format, ts-s.anchor),
		text:      make([]byte, 0, initialLineCap),
	})
	return &s.lines[len(s.lines)-1]
}

// Find performs a case-insensitive substring search starting at
// startLine, wrapping once around the full list. Returns -1 if text is
// not found anywhere in the store.
func (s *Store) Find(text string, startLine int) int {
	n := len(s.lines)
	if n == 0 {
		return -1
	}
	needle := strings.ToLower(text)
	start := startLine
	if start < 0 || start >= n {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if strings.Contains(strings.ToLower(s.lines[idx].Text()), needle) {
			return idx
		}
	}
	return -1
}

// FindTimestamp returns the index of the last line whose timestamp is
// strictly less than ts, or -1 if the store is empty or every line's
// timestamp is >= ts.
func (s *Store) FindTimestamp(ts float64) int {
	result := -1
	for i := range s.lines {
		if s.lines[i].Timestamp < ts {
			result = i
		} else {
			break
		}
	}
	return result
}

// Save writes the store to path as CSV with header
// "Number,Name,Timestamp,Text", one row per line, using encoding/csv's
// RFC 4180 quoting so embedded quotes and commas in trace text survive
// a round trip through a spreadsheet. Timestamp is the line's absolute
// timestamp formatted to microsecond precision.
func (s *Store) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Number", "Name", "Timestamp", "Text"}); err != nil {
		return err
	}
	for i := range s.lines {
		line := &s.lines[i]
		name := ""
		if s.registry != nil {
			name = s.registry.GetName(int(line.Channel))
		}
		row := []string{
			fmt.Sprintf("%d", line.Channel),
			name,
			fmt.Sprintf("%.6f", line.Timestamp),
			normalizeForCSV(line.text),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// normalizeForCSV strips CR bytes from a line's text. Plain stimulus
// text never holds a CR (the split/seal policy consumes it as a line
// break); a CTF message's text can. LF bytes are left in place.
func normalizeForCSV(text []byte) string {
	return string(bytes.ReplaceAll(text, []byte{'\r'}, nil))
}
