// Package wire implements the stream framer (spec.md §4.1) and the message
// codec (spec.md §4.2) for the BitTorrent peer wire protocol. Framing and
// encoding are kept separate from the connection engine so they can be
// round-trip tested in isolation (spec.md §8's round-trip laws).
package wire

import "github.com/pkg/errors"

// HandshakeLen is the fixed length of the handshake frame: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 68

// MaxFrameLen bounds the length prefix of a message frame. A request's
// block length is also bounded tighter in message.go; this is the coarse
// protocol-level ceiling spec.md §7 calls out ("length prefix > max (e.g. 2^20)").
const MaxFrameLen = 1 << 20

// ErrFrameTooLong is a protocol fault (spec.md §7): the peer announced a
// frame length beyond MaxFrameLen. The connection must be dropped.
var ErrFrameTooLong = errors.New("wire: frame length exceeds maximum")

// Sink receives one complete frame's payload bytes, in arrival order. data
// must not be retained past the call: the framer reuses its backing buffer.
type Sink func(data []byte)

// Framer buffers arbitrary byte chunks from the transport and, on each Feed
// call, delivers every complete frame it can now assemble to sink, in
// arrival order, before returning. The trailing partial frame (if any)
// remains buffered across calls.
//
// Framer is not safe for concurrent use; spec.md §5's single-threaded
// reactor discipline means a connection's Framer is only ever touched from
// its own serialized event stream.
type Framer struct {
	buf            []byte
	handshakeDone  bool
	sink           Sink
}

// NewFramer returns a Framer that starts in handshake mode: the first frame
// it unpacks is always the fixed 68-byte handshake (spec.md §4.1), after
// which DoneHandshake switches it to length-prefixed message framing.
func NewFramer(sink Sink) *Framer {
	return &Framer{sink: sink}
}

// DoneHandshake switches the framer from handshake mode to message mode.
// Called by the connection engine once the handshake frame has been
// consumed (spec.md §4.5's Verifying state).
func (f *Framer) DoneHandshake() {
	f.handshakeDone = true
}

// Feed appends data to the internal buffer and delivers every complete frame
// it can assemble, in order, before returning. After Feed returns, the
// buffer holds exactly the bytes that do not yet constitute a complete frame
// (spec.md §8 invariant 1).
func (f *Framer) Feed(data []byte) error {
	f.buf = append(f.buf, data...)

	consumed := 0
	for {
		remaining := f.buf[consumed:]
		frameLen, ok, err := canUnpack(remaining, f.handshakeDone)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		f.sink(remaining[:frameLen])
		consumed += frameLen
	}
	f.buf = append([]byte{}, f.buf[consumed:]...)
	return nil
}

// Clear discards the buffer unconditionally; used on transport reset
// (spec.md §4.1).
func (f *Framer) Clear() {
	f.buf = nil
}

// Buffered returns the number of bytes currently held as an incomplete
// trailing frame. Exposed for the invariant check in spec.md §8.
func (f *Framer) Buffered() int { return len(f.buf) }

// canUnpack is the BitTorrent unpack predicate (spec.md §4.1): a tagged
// variant selected by handshakeDone rather than the original's compile-time
// generic ruler, per spec.md §9's design note.
func canUnpack(buf []byte, handshakeDone bool) (frameLen int, ok bool, err error) {
	if !handshakeDone {
		if len(buf) < HandshakeLen {
			return 0, false, nil
		}
		return HandshakeLen, true, nil
	}

	if len(buf) < 4 {
		return 0, false, nil
	}
	length := beUint32(buf)
	if length == 0 {
		return 4, true, nil // keep-alive: a complete zero-payload frame
	}
	if int(length) > MaxFrameLen {
		return 0, false, ErrFrameTooLong
	}
	total := 4 + int(length)
	if len(buf) < total {
		return 0, false, nil
	}
	return total, true, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
