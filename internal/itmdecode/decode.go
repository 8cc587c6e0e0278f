// Package itmdecode implements the ARM ITM stimulus packet decoder and
// PC-sample profiler: it drains the packet ring, reassembles ITM
// packets across 64-byte transport frame boundaries via a small carry
// cache, and either coalesces stimulus bytes into TraceLine-ready
// chunks (text mode) or buckets PC samples into a histogram (profile
// mode).
//
// Both decode paths treat an unrecognized header the same way: the
// error is counted, CTF decode state is reset, and the remainder of the
// current frame is discarded. Bounding corruption to a single 64-byte
// frame keeps the two paths from ever diverging on a malformed header.
package itmdecode

import (
	"encoding/binary"
	"fmt"

	"swotrace/internal/chanreg"
	"swotrace/internal/packetring"
	"swotrace/internal/statuslog"
)

// carry holds a partially-received ITM packet that straddled a
// transport frame boundary: a header byte plus a prefix of its payload.
// active is the discriminant; an inactive carry carries no meaning in
// header/payload/n.
type carry struct {
	active  bool
	header  byte
	payload [4]byte
	n       int     // number of payload bytes already held (< declared length)
	ts      float64 // timestamp of the frame in which the packet began
}

func (c *carry) reset() { *c = carry{} }

// Decoder is the single-threaded ITM decoder/profiler consumer. It owns
// the carry cache and data-word-size policy and is invoked once per UI
// frame.
type Decoder struct {
	ring     *packetring.Ring
	registry *chanreg.Registry
	ctf      CTFStream
	sink     Sink
	status   *statuslog.Log

	carry            carry
	dataWordSize     int
	autoGrowDataSize bool
	packetErrors     uint32
}

// New creates a decoder draining ring, checking channel enablement
// against registry, dispatching CTF-registered channels to ctf, and
// emitting plain-text output to sink. status receives CTF-level error
// diagnostics.
func New(ring *packetring.Ring, registry *chanreg.Registry, ctf CTFStream, sink Sink, status *statuslog.Log) *Decoder {
	if ctf == nil {
		ctf = NoCTF{}
	}
	return &Decoder{
		ring:             ring,
		registry:         registry,
		ctf:              ctf,
		sink:             sink,
		status:           status,
		dataWordSize:     1,
		autoGrowDataSize: true,
	}
}

// SetDataWordSize configures the fixed ITM data word size in bytes (1,
// 2, or 4). Passing 0 switches to automatic growth. Either way the
// packet-error counter is cleared, since it is scoped to the current
// size policy.
func (d *Decoder) SetDataWordSize(size int) {
	if size == 0 {
		d.dataWordSize = 1
		d.autoGrowDataSize = true
	} else {
		d.dataWordSize = size
		d.autoGrowDataSize = false
	}
	d.packetErrors = 0
}

// DataWordSize returns the currently configured data word size.
func (d *Decoder) DataWordSize() int { return d.dataWordSize }

// PacketErrors returns the number of invalid-header errors seen so far,
// optionally resetting the counter.
func (d *Decoder) PacketErrors(reset bool) uint32 {
	n := d.packetErrors
	if reset {
		d.packetErrors = 0
	}
	return n
}

// Reset discards any partially-received packet and resets CTF decode
// state, so a subsequent frame is never decoded against a carry left
// over from a previous transport session.
func (d *Decoder) Reset() {
	d.carry.reset()
	d.ctf.ResetDecodeState()
}

func (d *Decoder) growOrError(length int) bool {
	if length > d.dataWordSize {
		if d.autoGrowDataSize {
			d.dataWordSize = length
			return true
		}
		d.onInvalidHeader()
		return false
	}
	return true
}

func (d *Decoder) onInvalidHeader() {
	d.packetErrors++
	d.ctf.ResetDecodeState()
	d.carry.reset()
}

// emit hands off a chunk of decoded bytes for channel to the CTF
// decoder or the plain-text sink, and reports whether the channel was
// enabled and the chunk was actually handed off. A disabled channel
// never materializes a line.
func (d *Decoder) emit(channel uint8, data []byte, ts float64) bool {
	if len(data) == 0 {
		return false
	}
	if !d.registry.GetEnabled(int(channel)) {
		return false
	}

	if d.ctf.StreamIsActive(channel) {
		if n := d.ctf.Decode(data, channel); n < 0 {
			if d.status != nil {
				d.status.Add(statuslog.OriginCTF, fmt.Sprintf("CTF decode error (%d)", n), int(n))
			}
		}
		for {
			streamID, remoteTS, msg, ok := d.ctf.PeekMessage()
			if !ok {
				break
			}
			highPrecision := remoteTS > 0.001
			emitTS := ts
			if highPrecision {
				emitTS = remoteTS
			}
			d.sink.AppendMessage(uint8(streamID), msg, emitTS, highPrecision)
			d.ctf.PopMessage()
		}
		return true
	}

	d.sink.AppendPlain(channel, data, ts)
	return true
}

// ProcessText drains every frame currently in the ring. When enabled is
// false, frames are discarded without decoding and the ring's overflow
// counter is reset once the drain completes. Returns the number of
// frames whose trailing buffer was flushed to a line.
func (d *Decoder) ProcessText(enabled bool) uint32 {
	var newLines uint32
	for {
		frame := d.ring.Dequeue()
		if frame == nil {
			break
		}
		if enabled {
			newLines += d.decodeTextFrame(frame)
		}
		d.ring.Advance()
	}
	if !enabled {
		d.ring.OverflowTakeAndReset()
	}
	return newLines
}

func (d *Decoder) decodeTextFrame(frame *packetring.Frame) uint32 {
	data := frame.Bytes[:frame.Len]
	ts := frame.Timestamp

	var buf [packetring.FrameSize]byte
	buflen := 0
	ch := uint8(0xFF)

	if d.carry.active {
		hdr := d.carry.header
		ts = d.carry.ts
		needed := lenOf(hdr)
		if !d.growOrError(needed) {
			return 0
		}
		ch = channelOf(hdr)
		if d.carry.n > 0 {
			buflen += copy(buf[buflen:], d.carry.payload[:d.carry.n])
		}
		skip := needed - d.carry.n
		if skip > len(data) {
			// Still incomplete even with this frame's bytes: fold them
			// into the carry and wait for the next one.
			d.carry.n += copy(d.carry.payload[d.carry.n:], data)
			return 0
		}
		buflen += copy(buf[buflen:], data[:skip])
		data = data[skip:]
		d.carry.reset()
	} else if len(data) > 0 {
		ch = channelOf(data[0])
	}

	for len(data) > 0 {
		h := data[0]

		if h == hdrPCSample {
			if len(data) < 5 {
				d.onInvalidHeader()
				return 0
			}
			data = data[5:]
			continue
		}
		if !validHeader(h) {
			d.onInvalidHeader()
			return 0
		}

		newChan := channelOf(h)
		if newChan != ch && buflen > 0 {
			d.emit(ch, buf[:buflen], ts)
			buflen = 0
		}
		ch = newChan

		length := lenOf(h)
		if length+1 > len(data) {
			d.carry.active = true
			d.carry.header = h
			d.carry.n = copy(d.carry.payload[:], data[1:])
			d.carry.ts = frame.Timestamp
			return 0
		}
		if !d.growOrError(length) {
			return 0
		}
		buflen += copy(buf[buflen:], data[1:1+length])
		data = data[length+1:]
	}

	if buflen > 0 && int(ch) < chanreg.NumChannels && d.emit(ch, buf[:buflen], ts) {
		return 1
	}
	return 0
}

// ProcessProfile drains every frame currently in the ring, bucketing PC
// samples into sampleMap and counting ITM overflow markers. When
// enabled is false (or sampleMap is nil), frames are discarded and the
// ring's overflow counter is reset.
func (d *Decoder) ProcessProfile(enabled bool, sampleMap []uint32, codeBase, codeTop uint32) (count uint32, overflow uint32) {
	for {
		frame := d.ring.Dequeue()
		if frame == nil {
			break
		}
		if enabled && sampleMap != nil {
			c, o := d.decodeProfileFrame(frame, sampleMap, codeBase, codeTop)
			count += c
			overflow += o
		}
		d.ring.Advance()
	}
	if !enabled || sampleMap == nil {
		d.ring.OverflowTakeAndReset()
	}
	return count, overflow
}

func addSample(sampleMap []uint32, pc, codeBase, codeTop uint32) {
	if pc < codeBase || pc >= codeTop {
		pc = codeTop
	}
	idx := Address2Index(pc, codeBase)
	if int(idx) < len(sampleMap) {
		sampleMap[idx]++
	}
}

func (d *Decoder) decodeProfileFrame(frame *packetring.Frame, sampleMap []uint32, codeBase, codeTop uint32) (count uint32, overflow uint32) {
	data := frame.Bytes[:frame.Len]

	if d.carry.active {
		hdr := d.carry.header
		var needed int
		switch {
		case hdr == hdrPCSample:
			needed = 4
		case hdr == hdrOverflow:
			needed = 0
		case validHeader(hdr):
			needed = lenOf(hdr)
		default:
			d.onInvalidHeader()
			return 0, 0
		}

		skip := needed - d.carry.n
		if skip > len(data) {
			d.carry.n += copy(d.carry.payload[d.carry.n:], data)
			return 0, 0
		}

		var full [4]byte
		copy(full[:], d.carry.payload[:d.carry.n])
		copy(full[d.carry.n:], data[:skip])
		data = data[skip:]
		d.carry.reset()

		if hdr == hdrPCSample {
			pc := binary.LittleEndian.Uint32(full[:4])
			addSample(sampleMap, pc, codeBase, codeTop)
			count++
		} else if hdr == hdrOverflow {
			overflow++
		}
	}

	for len(data) > 0 {
		h := data[0]

		switch {
		case h == hdrOverflow:
			data = data[1:]
			overflow++
			continue
		case h == hdrPCSample:
			if len(data) < 5 {
				d.carry.active = true
				d.carry.header = h
				d.carry.n = copy(d.carry.payload[:], data[1:])
				return count, overflow
			}
			pc := binary.LittleEndian.Uint32(data[1:5])
			addSample(sampleMap, pc, codeBase, codeTop)
			count++
			data = data[5:]
			continue
		case !validHeader(h):
			d.onInvalidHeader()
			return count, overflow
		}

		length := lenOf(h)
		if length+1 > len(data) {
			d.carry.active = true
			d.carry.header = h
			d.carry.n = copy(d.carry.payload[:], data[1:])
			return count, overflow
		}
		data = data[length+1:]
	}
	return count, overflow
}
