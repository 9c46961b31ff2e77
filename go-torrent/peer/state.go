package peer

import "github.com/defddr/bitwave/go-torrent/bitfield"

// ConnectionState holds the four choke/interest flags (spec.md §3),
// initialized to (am_choking=true, am_interested=false, peer_choking=true,
// peer_interested=false). Any reconnect resets these via Reset.
type ConnectionState struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// NewConnectionState returns the spec-mandated initial state.
func NewConnectionState() ConnectionState {
	return ConnectionState{AmChoking: true, PeerChoking: true}
}

// Reset restores the initial state (spec.md §3: "any reconnect resets
// these").
func (c *ConnectionState) Reset() {
	*c = NewConnectionState()
}

// Identity is the handshake-negotiated identity of a connection (spec.md
// §3): the peer's 20-byte id and the torrent's 20-byte info-hash. Once the
// handshake completes the info-hash is immutable.
type Identity struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// State is the per-connection data PeerConnection owns (spec.md §3's
// "PeerConnection (entity)"): the four flags, the peer's advertised
// bitfield, and the three request lists. It carries no transport or timer
// references — those belong to the connection engine (peer.go).
type State struct {
	Conn         ConnectionState
	Identity     Identity
	PeerBitfield *bitfield.Bitfield

	PeerRequest     *RequestList // inbound: peer asked us to upload these
	WaitRequest     *RequestList // outbound: queued, not yet sent
	RequestingList  *RequestList // outbound: sent, awaiting piece
}

// NewState returns a freshly initialized per-connection State. numPieces
// sizes the (initially empty) peer bitfield. The connection engine builds
// the State only once the handshake has resolved the torrent, so numPieces
// is always that torrent's piece count.
func NewState(numPieces int) *State {
	return &State{
		Conn:           NewConnectionState(),
		PeerBitfield:   bitfield.New(numPieces),
		PeerRequest:    NewRequestList(),
		WaitRequest:    NewRequestList(),
		RequestingList: NewRequestList(),
	}
}

// NeedsFrom reports whether the peer has at least one piece absent from
// local (spec.md §3 invariant: "am_interested == true iff there exists at
// least one piece the peer has that we still need").
func (s *State) NeedsFrom(local *bitfield.Bitfield) bool {
	return s.PeerBitfield.HasAnyNotIn(local)
}
