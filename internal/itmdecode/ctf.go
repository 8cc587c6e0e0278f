package itmdecode

// CTFStream is the narrow interface the decoder consumes from the
// external CTF (Common Trace Format) metadata-driven decoder. Parsing
// CTF metadata and decoding messages is out of scope for this package;
// it only drains the CTF decoder's output.
type CTFStream interface {
	// StreamIsActive reports whether channel is registered as a CTF
	// stream (as opposed to plain text).
	StreamIsActive(channel uint8) bool

	// Decode feeds raw stimulus bytes for channel into the CTF decoder.
	// A negative return is a CTF-level error (logged, but it does not
	// affect ITM decoder state).
	Decode(data []byte, channel uint8) (messagesProduced int32)

	// PeekMessage returns the next decoded message without consuming
	// it, or ok=false if the message stack is empty.
	PeekMessage() (streamID uint16, timestamp float64, message string, ok bool)

	// PopMessage consumes the message last returned by PeekMessage.
	PopMessage()

	// ResetDecodeState resets any in-progress CTF decode state; called
	// by the ITM decoder whenever it discards a malformed frame, so CTF
	// framing does not straddle a dropped packet.
	ResetDecodeState()
}

// NoCTF is a CTFStream that treats every channel as plain text. It is
// the default collaborator for callers (such as the headless CLI) that
// do not parse CTF metadata.
type NoCTF struct{}

func (NoCTF) StreamIsActive(uint8) bool                    { return false }
func (NoCTF) Decode([]byte, uint8) int32                   { return 0 }
func (NoCTF) PeekMessage() (uint16, float64, string, bool) { return 0, 0, "", false }
func (NoCTF) PopMessage()        {}
func (NoCTF) ResetDecodeState()  {}
