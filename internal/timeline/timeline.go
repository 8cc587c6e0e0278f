// Package timeline implements the TimelineMark/Timeline index: a
// per-channel, adaptively-collapsed sequence of mark positions rebuilt
// from the trace store on every zoom change, used by the UI to render
// an overview ruler without drawing one tick per line.
package timeline

import (
	"swotrace/internal/chanreg"
	"swotrace/internal/tracestore"
)

const (
	initialMarkCap  = 32
	collapseEpsilon = 0.5
)

// Allowed mark_scale values, in microseconds per scale unit.
const (
	ScaleMicroseconds = 1
	ScaleMilliseconds = 1_000
	ScaleSeconds      = 1_000_000
	ScaleMinutes      = 60_000_000
)

// Mark is one bucketed tick on a channel's timeline.
type Mark struct {
	Pos   float32
	Count uint32
}

// Timeline holds the rebuildable per-channel mark sequences plus the
// zoom configuration that governs bucket granularity. Only the exact
// (MarkSpacing, MarkScale, MarkDelta) combinations the zoom methods
// produce are ever in effect; this type never accepts an arbitrary
// external assignment of those fields.
type Timeline struct {
	registry *chanreg.Registry

	markSpacing float64
	markScale   int64
	markDelta   int64

	marks    [chanreg.NumChannels][]Mark
	maxCount uint32
	maxPos   float32
	origin   float64
}

// New creates a Timeline at the default zoom level: 100px spacing,
// millisecond scale, 10 ticks per major mark.
func New(registry *chanreg.Registry) *Timeline {
	return &Timeline{
		registry:    registry,
		markSpacing: 100,
		markScale:   ScaleMilliseconds,
		markDelta:   10,
	}
}

// MarkSpacing, MarkScale, and MarkDelta report the current zoom
// configuration.
func (t *Timeline) MarkSpacing() float64 { return t.markSpacing }
func (t *Timeline) MarkScale() int64     { return t.markScale }
func (t *Timeline) MarkDelta() int64     { return t.markDelta }

// MaxPos returns the maximum Pos across every channel's marks after the
// last Rebuild.
func (t *Timeline) MaxPos() float32 { return t.maxPos }

// MaxCount returns the global maximum Mark.Count after the last
// Rebuild.
func (t *Timeline) MaxCount() uint32 { return t.maxCount }

// Marks returns the mark sequence for channel. The returned slice must
// not be retained past the next Rebuild call.
func (t *Timeline) Marks(channel int) []Mark {
	if channel < 0 || channel >= chanreg.NumChannels {
		return nil
	}
	return t.marks[channel]
}

// Rebuild recomputes every channel's mark sequence from store. When
// store holds more than limitLines lines, only the trailing limitLines
// are considered, skipping a computed prefix rather than allocating
// marks that would immediately be discarded by an overview that cannot
// show them all anyway.
func (t *Timeline) Rebuild(store *tracestore.Store, limitLines int) {
	for ch := range t.marks {
		t.marks[ch] = t.marks[ch][:0]
	}
	t.maxCount = 0
	t.maxPos = 0

	if store.IsEmpty() {
		return
	}

	first := store.Line(0)
	t.origin = first.Timestamp

	start := 0
	if limitLines > 0 && store.Count() > limitLines {
		start = store.Count() - limitLines
	}

	for i := start; i < store.Count(); i++ {
		line := store.Line(i)
		if t.registry != nil && !t.registry.GetEnabled(int(line.Channel)) {
			continue
		}
		t.addMark(line.Channel, line.Timestamp)
	}
}

func (t *Timeline) addMark(channel uint8, ts float64) {
	pos := float32((ts - t.origin) * t.markSpacing * 1_000_000 / float64(t.markScale*t.markDelta))

	marks := t.marks[channel]
	if n := len(marks); n > 0 {
		last := &marks[n-1]
		if pos-last.Pos < collapseEpsilon {
			last.Count++
			if last.Count > t.maxCount {
				t.maxCount = last.Count
			}
			if pos > t.maxPos {
				t.maxPos = pos
			}
			return
		}
	}

	marks = growMarks(marks)
	marks = append(marks, Mark{Pos: pos, Count: 1})
	t.marks[channel] = marks

	if 1 > t.maxCount {
		t.maxCount = 1
	}
	if pos > t.maxPos {
		t.maxPos = pos
	}
}

// growMarks doubles the mark slice's backing capacity from an initial
// 32 entries. append already does this doubling in Go; the explicit
// pre-grow here exists so a future allocation-failure degrade has a
// single point to intervene at without touching addMark's control flow.
func growMarks(marks []Mark) []Mark {
	if len(marks) < cap(marks) {
		return marks
	}
	newCap := initialMarkCap
	if cap(marks) > 0 {
		newCap = cap(marks) * 2
	}
	grown := make([]Mark, len(marks), newCap)
	copy(grown, marks)
	return grown
}

// ZoomIn steps the mark spacing up by 1.5x, rescaling the mark delta
// and scale unit when the spacing crosses a major-tick threshold.
func (t *Timeline) ZoomIn() {
	t.markSpacing *= 1.5
	if t.markSpacing > 700 && (t.markDelta > 1 || t.markScale > 1) {
		t.markDelta /= 10
		t.markSpacing /= 10
		if t.markDelta == 0 && t.markScale >= 1000 {
			t.markScale /= 1000
			t.markDelta = 100
		}
	}
}

// ZoomOut is the symmetric counterpart of ZoomIn.
func (t *Timeline) ZoomOut() {
	if t.markSpacing > 45 || t.markScale < ScaleMinutes || t.markDelta == 1 {
		t.markSpacing /= 1.5
		if t.markSpacing < 70 {
			t.markDelta *= 10
			t.markSpacing *= 10
			if t.markScale < ScaleSeconds && t.markDelta >= 1000 {
				t.markScale *= 1000
				t.markDelta /= 1000
			}
		}
	}
}
