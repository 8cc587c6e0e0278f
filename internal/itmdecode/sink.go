package itmdecode

// Sink receives decoded text-mode output from the decoder. tracestore.Store
// implements Sink; the decoder itself never allocates a TraceLine, it
// only decides what bytes belong together on the wire.
type Sink interface {
	// AppendPlain appends a chunk of plain-text stimulus bytes for
	// channel at timestamp ts, applying the split/seal policy that
	// coalesces bytes into lines.
	AppendPlain(channel uint8, data []byte, ts float64)

	// AppendMessage appends one fully-decoded CTF message as a single
	// sealed line. highPrecision selects the "%.6f" relative-timestamp
	// format (remote timestamp used) over the default "%.3f".
	AppendMessage(channel uint8, text string, ts float64, highPrecision bool)
}
