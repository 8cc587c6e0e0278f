package tracestore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swotrace/internal/chanreg"
)

func newTestStore() *Store {
	reg := chanreg.New()
	for i := 0; i < chanreg.NumChannels; i++ {
		reg.SetEnabled(i, true)
	}
	return New(reg)
}

func TestAppendPlainSealsOnNewline(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("Hi\n"), 1.0)
	require.Equal(t, 1, s.Count())
	assert.Equal(t, "Hi", s.Line(0).Text())
}

func TestAppendPlainSealsOnChannelSwitch(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("A"), 1.0)
	s.AppendPlain(1, []byte("B"), 1.01)
	require.Equal(t, 2, s.Count())
	assert.Equal(t, uint8(0), s.Line(0).Channel)
	assert.Equal(t, "A", s.Line(0).Text())
	assert.Equal(t, uint8(1), s.Line(1).Channel)
	assert.Equal(t, "B", s.Line(1).Text())
}

func TestAppendPlainSealsOnContinuationGap(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("A"), 1.0)
	s.AppendPlain(0, []byte("B"), 1.2) // gap > 0.1s
	require.Equal(t, 2, s.Count())
	assert.Equal(t, "A", s.Line(0).Text())
	assert.Equal(t, "B", s.Line(1).Text())
}

func TestAppendPlainSealsAt256Bytes(t *testing.T) {
	s := newTestStore()
	chunk := make([]byte, 256)
	for i := range chunk {
		chunk[i] = 'x'
	}
	s.AppendPlain(0, chunk, 1.0)
	s.AppendPlain(0, []byte("y"), 1.01)
	require.Equal(t, 2, s.Count())
	assert.Len(t, s.Line(0).Text(), 256)
	assert.Equal(t, "y", s.Line(1).Text())
}

func TestLeadingNewlineWithNoPriorLineIsDiscarded(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("\nHi"), 1.0)
	require.Equal(t, 1, s.Count())
	assert.Equal(t, "Hi", s.Line(0).Text())
}

func TestAppendMessageIsAlwaysItsOwnLine(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("A"), 1.0)
	s.AppendMessage(0, "decoded-message", 1.05, true)
	s.AppendPlain(0, []byte("B"), 1.06)
	require.Equal(t, 3, s.Count())
	assert.Equal(t, "A", s.Line(0).Text())
	assert.Equal(t, "decoded-message", s.Line(1).Text())
	assert.Equal(t, "0.050000", s.Line(1).Timefmt) // high-precision lines use the "%.6f" format
	assert.Equal(t, "B", s.Line(2).Text())
}

func TestFindWrapsAroundOnce(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("foo\n"), 1.0)
	s.AppendPlain(0, []byte("bar\n"), 1.1)
	s.AppendPlain(0, []byte("baz\n"), 1.2)

	assert.Equal(t, 1, s.Find("BAR", 0))
	assert.Equal(t, 0, s.Find("foo", 2)) // wraps past the end back to line 0
	assert.Equal(t, -1, s.Find("nope", 0))
}

func TestFindTimestampReturnsLastLineBeforeTS(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("a\n"), 1.0)
	s.AppendPlain(0, []byte("b\n"), 2.0)
	s.AppendPlain(0, []byte("c\n"), 3.0)

	assert.Equal(t, 1, s.FindTimestamp(2.5))
	assert.Equal(t, -1, s.FindTimestamp(0.5))
	assert.Equal(t, 2, s.FindTimestamp(100))
}

func TestFindTimestampEmptyStore(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, -1, s.FindTimestamp(1.0))
}

func TestClearResetsAnchorAndLines(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(0, []byte("a\n"), 1.0)
	s.Clear()
	assert.True(t, s.IsEmpty())
	s.AppendPlain(0, []byte("b\n"), 5.0)
	assert.Equal(t, "0.000", s.Line(0).Timefmt)
}

func TestSaveWritesRFC4180CSV(t *testing.T) {
	s := newTestStore()
	s.AppendPlain(3, []byte(`has "quotes" and,comma`), 1.5)
	s.AppendPlain(3, []byte("\n"), 1.51)

	f, err := os.CreateTemp(t.TempDir(), "trace-*.csv")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())

	require.NoError(t, s.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Number,Name,Timestamp,Text")
	// Channel number and absolute microsecond-precision timestamp, not a
	// row counter or the relative display format.
	assert.Contains(t, content, "3,3,1.500000,")
	assert.Contains(t, content, `"has ""quotes"" and,comma"`)
}
