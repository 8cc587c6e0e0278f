package itmdecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swotrace/internal/chanreg"
	"swotrace/internal/packetring"
	"swotrace/internal/statuslog"
)

type recordedLine struct {
	channel uint8
	text    string
	ts      float64
	msg     bool
	hiPrec  bool
}

type fakeSink struct {
	lines []recordedLine
}

func (f *fakeSink) AppendPlain(channel uint8, data []byte, ts float64) {
	f.lines = append(f.lines, recordedLine{channel: channel, text: string(data), ts: ts})
}

func (f *fakeSink) AppendMessage(channel uint8, text string, ts float64, highPrecision bool) {
	f.lines = append(f.lines, recordedLine{channel: channel, text: text, ts: ts, msg: true, hiPrec: highPrecision})
}

func newTestDecoder() (*Decoder, *packetring.Ring, *chanreg.Registry, *fakeSink) {
	ring := packetring.New()
	registry := chanreg.New()
	for i := 0; i < chanreg.NumChannels; i++ {
		registry.SetEnabled(i, true)
	}
	sink := &fakeSink{}
	status := statuslog.New(nil)
	dec := New(ring, registry, nil, sink, status)
	return dec, ring, registry, sink
}

func TestDecodeSingleByteWords(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	// Channel 0, size-1 packets spelling "Hi": header 0x01 + byte, twice,
	// then a terminating newline packet.
	ring.Enqueue([]byte{0x01, 'H', 0x01, 'i', 0x01, '\n'}, 1.0)
	n := dec.ProcessText(true)
	require.Equal(t, uint32(1), n)
	require.Len(t, sink.lines, 1)
	assert.Equal(t, uint8(0), sink.lines[0].channel)
	assert.Equal(t, "Hi\n", sink.lines[0].text)
}

func TestDecodeFourByteWordAutoGrow(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	ring.Enqueue([]byte{0x03, 0xDE, 0xAD, 0xBE, 0xEF}, 2.0)
	n := dec.ProcessText(true)
	require.Equal(t, uint32(1), n)
	require.Len(t, sink.lines, 1)
	assert.Equal(t, 4, dec.DataWordSize())
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, []byte(sink.lines[0].text))
}

func TestDecodeSplitAcrossFrames(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	// A 4-byte payload packet (header 0x03) split: header + 2 bytes in
	// frame 1, remaining 2 bytes in frame 2.
	ring.Enqueue([]byte{0x03, 0x11, 0x22}, 3.0)

	n1 := dec.ProcessText(true)
	assert.Equal(t, uint32(0), n1)
	assert.Empty(t, sink.lines)

	ring.Enqueue([]byte{0x33, 0x44}, 3.1)
	n2 := dec.ProcessText(true)
	require.Equal(t, uint32(1), n2)
	require.Len(t, sink.lines, 1)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, []byte(sink.lines[0].text))
	// The carried packet resumes at the original frame's timestamp.
	assert.Equal(t, 3.0, sink.lines[0].ts)
}

func TestDecodeChannelSwitchMidFrameEmitsSeparately(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	// Channel 0 "A", then channel 1 "B" in the same frame.
	ring.Enqueue([]byte{0x01, 'A', 0x09, 'B'}, 4.0)
	n := dec.ProcessText(true)
	// Only the end-of-frame flush increments the returned count; the
	// mid-frame channel switch emits but is not counted as a "new line".
	require.Equal(t, uint32(1), n)
	require.Len(t, sink.lines, 2)
	assert.Equal(t, uint8(0), sink.lines[0].channel)
	assert.Equal(t, "A", sink.lines[0].text)
	assert.Equal(t, uint8(1), sink.lines[1].channel)
	assert.Equal(t, "B", sink.lines[1].text)
}

func TestDecodeInvalidHeaderAbandonsFrame(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	ring.Enqueue([]byte{0x01, 'X', 0xFF, 0x00, 0x00}, 5.0)
	n := dec.ProcessText(true)
	// The original's goto skip_packet discards the whole frame, including
	// the already-buffered "X": no flush happens on an invalid header.
	assert.Equal(t, uint32(0), n)
	assert.Empty(t, sink.lines)
	assert.Equal(t, uint32(1), dec.PacketErrors(false))
}

func TestDecodePCSampleHeaderConsumedWithoutEmitting(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	// A PC-sample packet interleaved with a text packet: the profiler
	// header must be skipped whole by the text decoder.
	ring.Enqueue([]byte{0x17, 0x00, 0x10, 0x00, 0x20, 0x01, 'Z'}, 6.0)
	n := dec.ProcessText(true)
	require.Equal(t, uint32(1), n)
	require.Len(t, sink.lines, 1)
	assert.Equal(t, "Z", sink.lines[0].text)
}

func TestProcessProfilePCSample(t *testing.T) {
	dec, ring, _, _ := newTestDecoder()
	sampleMap := make([]uint32, 4)
	// PC = 0x20001000, code_base = 0x20001000, code_top = 0x20002000:
	// index 0.
	ring.Enqueue([]byte{0x17, 0x00, 0x10, 0x00, 0x20}, 7.0)
	count, overflow := dec.ProcessProfile(true, sampleMap, 0x20001000, 0x20002000)
	assert.Equal(t, uint32(1), count)
	assert.Equal(t, uint32(0), overflow)
	assert.Equal(t, uint32(1), sampleMap[0])
}

func TestProcessProfileOverflowMarker(t *testing.T) {
	dec, ring, _, _ := newTestDecoder()
	sampleMap := make([]uint32, 4)
	ring.Enqueue([]byte{0x70, 0x70, 0x17, 0x00, 0x10, 0x00, 0x20}, 8.0)
	count, overflow := dec.ProcessProfile(true, sampleMap, 0x20001000, 0x20002000)
	assert.Equal(t, uint32(1), count)
	assert.Equal(t, uint32(2), overflow)
}

func TestProcessProfilePCOutOfRangeClampsToTopBucket(t *testing.T) {
	dec, ring, _, _ := newTestDecoder()
	sampleMap := make([]uint32, 4)
	// PC below code_base clamps to code_top, which maps outside the
	// sample map and is silently dropped (bounds-checked, no panic).
	ring.Enqueue([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, 9.0)
	count, _ := dec.ProcessProfile(true, sampleMap, 0x20001000, 0x20002000)
	assert.Equal(t, uint32(1), count)
	for _, v := range sampleMap {
		assert.Equal(t, uint32(0), v)
	}
}

func TestProcessTextDisabledDrainsWithoutDecoding(t *testing.T) {
	dec, ring, _, sink := newTestDecoder()
	ring.Enqueue([]byte{0x01, 'A'}, 10.0)
	ring.Enqueue([]byte{0x01, 'B'}, 10.1)
	n := dec.ProcessText(false)
	assert.Equal(t, uint32(0), n)
	assert.Empty(t, sink.lines)
	assert.True(t, ring.Empty())
}

func TestProcessTextDisabledChannelSuppressesEmission(t *testing.T) {
	dec, ring, registry, sink := newTestDecoder()
	registry.SetEnabled(3, false)
	ring.Enqueue([]byte{0x19, 'Q'}, 11.0) // channel 3, size 1
	n := dec.ProcessText(true)
	assert.Equal(t, uint32(0), n)
	assert.Empty(t, sink.lines)
}
