package wire

import "github.com/pkg/errors"

// Kind identifies a decoded message's type. KeepAlive has no wire id of its
// own (it's the zero-length frame); the rest match spec.md §4.2's table.
type Kind uint8

const (
	KeepAlive Kind = iota
	Choke
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

// wire ids, spec.md §4.2.
const (
	idChoke         = 0
	idUnchoke       = 1
	idInterested    = 2
	idNotInterested = 3
	idHave          = 4
	idBitfield      = 5
	idRequest       = 6
	idPiece         = 7
	idCancel        = 8
)

// MaxRequestLength is the largest block length this core will honor in a
// request message; cancel lengths are not checked (spec.md §8: "a request with length > 2^17 is
// refused"). 2^17 is deliberately generous relative to the 16 KiB
// conventional block size so well-behaved peers are never rejected.
const MaxRequestLength = 1 << 17

// ErrUnknownMessageID marks a frame whose first payload byte is outside
// 0-8. spec.md §4.2: "unknown message ids are dropped silently". Callers
// must treat this as non-fatal and keep reading.
var ErrUnknownMessageID = errors.New("wire: unknown message id")

// ErrRequestTooLarge is a protocol fault (spec.md §8): dropping the
// connection is the caller's responsibility.
var ErrRequestTooLarge = errors.New("wire: requested block length too large")

// Message is a decoded protocol frame. Only the fields relevant to Kind are
// populated.
type Message struct {
	Kind     Kind
	Index    uint32
	Begin    uint32
	Length   uint32
	Block    []byte
	Bitfield []byte
}

// Decode interprets one complete message frame (as delivered by Framer,
// including its 4-byte length prefix) as a typed Message. A zero-length
// frame decodes to KeepAlive. An id outside 0-8 yields ErrUnknownMessageID;
// the frame was still well-formed and the caller should continue reading.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 4 {
		return Message{}, errors.New("wire: frame shorter than length prefix")
	}
	length := beUint32(frame)
	if length == 0 {
		return Message{Kind: KeepAlive}, nil
	}
	payload := frame[4:]
	if len(payload) != int(length) {
		return Message{}, errors.New("wire: frame length mismatch")
	}
	id := payload[0]
	body := payload[1:]

	switch id {
	case idChoke:
		return Message{Kind: Choke}, nil
	case idUnchoke:
		return Message{Kind: Unchoke}, nil
	case idInterested:
		return Message{Kind: Interested}, nil
	case idNotInterested:
		return Message{Kind: NotInterested}, nil
	case idHave:
		if len(body) != 4 {
			return Message{}, errors.New("wire: malformed have")
		}
		return Message{Kind: Have, Index: beUint32(body)}, nil
	case idBitfield:
		return Message{Kind: BitfieldMsg, Bitfield: append([]byte{}, body...)}, nil
	case idRequest:
		m, err := decodeBlockSpec(Request, body)
		if err != nil {
			return Message{}, err
		}
		if m.Length > MaxRequestLength {
			return Message{}, ErrRequestTooLarge
		}
		return m, nil
	case idCancel:
		m, err := decodeBlockSpec(Cancel, body)
		if err != nil {
			return Message{}, err
		}
		return m, nil
	case idPiece:
		if len(body) < 8 {
			return Message{}, errors.New("wire: malformed piece")
		}
		return Message{
			Kind:  Piece,
			Index: beUint32(body[0:4]),
			Begin: beUint32(body[4:8]),
			Block: append([]byte{}, body[8:]...),
		}, nil
	default:
		return Message{}, ErrUnknownMessageID
	}
}

func decodeBlockSpec(kind Kind, body []byte) (Message, error) {
	if len(body) != 12 {
		return Message{}, errors.New("wire: malformed request/cancel")
	}
	return Message{
		Kind:   kind,
		Index:  beUint32(body[0:4]),
		Begin:  beUint32(body[4:8]),
		Length: beUint32(body[8:12]),
	}, nil
}

// Encode serializes a Message into a complete wire frame (length prefix
// included). It is the inverse of Decode for every Kind it can produce.
func Encode(m Message) []byte {
	switch m.Kind {
	case KeepAlive:
		return beFrame(nil)
	case Choke:
		return beFrame([]byte{idChoke})
	case Unchoke:
		return beFrame([]byte{idUnchoke})
	case Interested:
		return beFrame([]byte{idInterested})
	case NotInterested:
		return beFrame([]byte{idNotInterested})
	case Have:
		buf := make([]byte, 5)
		buf[0] = idHave
		putUint32(buf[1:], m.Index)
		return beFrame(buf)
	case BitfieldMsg:
		buf := make([]byte, 1+len(m.Bitfield))
		buf[0] = idBitfield
		copy(buf[1:], m.Bitfield)
		return beFrame(buf)
	case Request:
		buf := make([]byte, 13)
		buf[0] = idRequest
		putUint32(buf[1:5], m.Index)
		putUint32(buf[5:9], m.Begin)
		putUint32(buf[9:13], m.Length)
		return beFrame(buf)
	case Cancel:
		buf := make([]byte, 13)
		buf[0] = idCancel
		putUint32(buf[1:5], m.Index)
		putUint32(buf[5:9], m.Begin)
		putUint32(buf[9:13], m.Length)
		return beFrame(buf)
	case Piece:
		buf := make([]byte, 9+len(m.Block))
		buf[0] = idPiece
		putUint32(buf[1:5], m.Index)
		putUint32(buf[5:9], m.Begin)
		copy(buf[9:], m.Block)
		return beFrame(buf)
	default:
		return nil
	}
}

func beFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	putUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
