package wire

import "github.com/pkg/errors"

const (
	pstr    = "BitTorrent protocol"
	pstrLen = 19
)

// Handshake is the fixed 68-byte exchange that precedes all messages
// (spec.md §6): 0x13 "BitTorrent protocol" <8 reserved> <20 info_hash>
// <20 peer_id>.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake produces the 68-byte wire representation.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = pstrLen
	copy(buf[1:20], pstr)
	// buf[20:28] stays zero: 8 reserved bytes.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte frame as delivered by Framer in
// handshake mode. A malformed pstr/pstrlen is a protocol fault (spec.md §7).
func DecodeHandshake(frame []byte) (Handshake, error) {
	if len(frame) != HandshakeLen {
		return Handshake{}, errors.Errorf("wire: handshake frame is %d bytes, want %d", len(frame), HandshakeLen)
	}
	if frame[0] != pstrLen {
		return Handshake{}, errors.New("wire: bad handshake pstrlen")
	}
	if string(frame[1:20]) != pstr {
		return Handshake{}, errors.New("wire: bad handshake protocol string")
	}
	var h Handshake
	copy(h.InfoHash[:], frame[28:48])
	copy(h.PeerID[:], frame[48:68])
	return h, nil
}
