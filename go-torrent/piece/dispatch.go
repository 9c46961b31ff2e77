package piece

import (
	"sort"

	mapset "github.com/deckarep/golang-set"

	"github.com/defddr/bitwave/go-torrent/bitfield"
)

// BlockSpec identifies a block the dispatcher wants requested. It mirrors
// peer.BlockRef but lives in this package to avoid an import cycle (the
// scheduler, in the peer package, converts between the two at the boundary).
type BlockSpec struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

// DownloadDispatcher is the piece-selection collaborator the request
// scheduler consumes (spec.md §6, §4.4): given a connection's advertised
// bitfield, it hands back the next blocks worth requesting and accepts
// blocks back when a connection chokes, drops, or times out on them.
type DownloadDispatcher interface {
	// PeerHave records that connID now has pieceIndex (a bitfield message or
	// a single have).
	PeerHave(connID string, pieceIndex int)
	// PeerBitfield records connID's full advertised bitfield, replacing any
	// prior one.
	PeerBitfield(connID string, bf *bitfield.Bitfield)
	// PeerGone releases whatever piece connID was assigned, making its
	// blocks available to other connections again.
	PeerGone(connID string)
	// NextBlocks returns up to maxCount blocks connID should request next,
	// given its currently advertised bitfield. An empty result means connID
	// has nothing left the local side needs.
	NextBlocks(connID string, peerBitfield *bitfield.Bitfield, maxCount int) []BlockSpec
	// ReturnBlocks gives back blocks that were requested but will not
	// arrive from connID (choke, cancel, timeout, disconnect), making them
	// eligible for assignment elsewhere.
	ReturnBlocks(connID string, blocks []BlockSpec)
	// DeliverBlock records data arriving for a previously assigned block.
	// It reports whether every block of the piece has now arrived; it does
	// not report checksum results. The cache, not the dispatcher, owns the
	// actual bytes and hashing (spec.md §9): the dispatcher only tracks
	// which blocks of which piece have arrived.
	DeliverBlock(connID string, pieceIndex, begin uint32, length int) (pieceComplete bool)
	// Contributors returns the set of connection ids (as mapset string
	// members) that have delivered at least one block of pieceIndex since it
	// was last reset or confirmed. The peer manager's checksum-failure ban
	// policy uses this to decide whom to ban (spec.md §7's "ban a peer that repeatedly
	// contributes to a failed piece", grounded on
	// peerManager.go/rarestFirstPieceManager.go's peer-contribution sets).
	Contributors(pieceIndex int) mapset.Set
	// ConfirmPiece clears pieceIndex's contributor set once its checksum has
	// verified; there is no further use in remembering who helped.
	ConfirmPiece(pieceIndex int)
	// ResetPiece undoes a failed piece's bookkeeping so it can be
	// redownloaded from scratch: clears its per-block arrival bitfield, its
	// downloaded/downloading flags, and its contributor set.
	ResetPiece(pieceIndex int)
}

const blockSize = 1 << 14 // 16 KiB, the conventional block length (spec.md glossary)

type pieceState struct {
	downloading  bool
	downloaded   bool
	availability int
	numBlocks    int
	have         *bitfield.Bitfield // per-block arrival tracking within the piece
	assignedTo   string
	contributors mapset.Set
}

// pieceSelector picks which of candidates (pieces the connection has that
// the local side lacks and nobody else is downloading) to assign next.
// rarestFirst and sequential share everything except this choice.
type pieceSelector func(pieces []*pieceState, candidates []int) int

// dispatcher is the shared bookkeeping behind both selection policies
// (spec.md §4.4): one piece assigned per connection at a time, blocks
// within that piece pipelined until exhausted, grounded on
// piece/rarestFirstPieceManager.go's peerToPiece/pieceInfo maps.
type dispatcher struct {
	bd          *BitData
	pieces      []*pieceState
	connToPiece map[string]int
	pick        pieceSelector
}

func newDispatcher(bd *BitData, pick pieceSelector) *dispatcher {
	d := &dispatcher{bd: bd, connToPiece: make(map[string]int), pick: pick}
	d.pieces = make([]*pieceState, bd.NumPieces)
	for i := range d.pieces {
		n := numBlocksInPiece(bd, i)
		d.pieces[i] = &pieceState{numBlocks: n, have: bitfield.New(n), contributors: mapset.NewSet()}
	}
	return d
}

// NewRarestFirstDispatcher builds a DownloadDispatcher that always assigns
// the rarest piece a connection can help with (spec.md §4.4's default),
// grounded on piece/rarestFirstPieceManager.go's availability-sorted
// selection.
func NewRarestFirstDispatcher(bd *BitData) DownloadDispatcher {
	return newDispatcher(bd, rarestSelect)
}

// NewSequentialDispatcher builds a DownloadDispatcher that prefers the
// lowest-index piece a connection can help with instead of the rarest,
// grounded on piece/sequentialPieceManager.go — useful for streaming
// playback where piece order matters more than swarm health.
func NewSequentialDispatcher(bd *BitData) DownloadDispatcher {
	return newDispatcher(bd, sequentialSelect)
}

func rarestSelect(pieces []*pieceState, candidates []int) int {
	sort.Slice(candidates, func(i, j int) bool {
		return pieces[candidates[i]].availability < pieces[candidates[j]].availability
	})
	return candidates[0]
}

func sequentialSelect(pieces []*pieceState, candidates []int) int {
	sort.Ints(candidates)
	return candidates[0]
}

func numBlocksInPiece(bd *BitData, i int) int {
	size := bd.PieceSize(i)
	n := int(size / blockSize)
	if size%blockSize != 0 {
		n++
	}
	return n
}

func blockLen(bd *BitData, pieceIndex, blockIndex int) int {
	size := bd.PieceSize(pieceIndex)
	start := int64(blockIndex) * blockSize
	if remaining := size - start; remaining < blockSize {
		return int(remaining)
	}
	return blockSize
}

func (d *dispatcher) PeerHave(connID string, pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= len(d.pieces) {
		return
	}
	d.pieces[pieceIndex].availability++
}

func (d *dispatcher) PeerBitfield(connID string, bf *bitfield.Bitfield) {
	for i := range d.pieces {
		if bf.Has(i) {
			d.pieces[i].availability++
		}
	}
}

func (d *dispatcher) PeerGone(connID string) {
	if pieceIndex, ok := d.connToPiece[connID]; ok {
		d.pieces[pieceIndex].downloading = false
		d.pieces[pieceIndex].assignedTo = ""
		delete(d.connToPiece, connID)
	}
}

func (d *dispatcher) NextBlocks(connID string, peerBitfield *bitfield.Bitfield, maxCount int) []BlockSpec {
	pieceIndex, ok := d.connToPiece[connID]
	if !ok {
		pieceIndex, ok = d.pickPiece(connID, peerBitfield)
		if !ok {
			return nil
		}
	}
	ps := d.pieces[pieceIndex]
	var out []BlockSpec
	for b := 0; b < ps.numBlocks && len(out) < maxCount; b++ {
		if ps.have.Has(b) {
			continue
		}
		out = append(out, BlockSpec{
			PieceIndex: uint32(pieceIndex),
			Begin:      uint32(b * blockSize),
			Length:     uint32(blockLen(d.bd, pieceIndex, b)),
		})
	}
	return out
}

func (d *dispatcher) pickPiece(connID string, peerBitfield *bitfield.Bitfield) (int, bool) {
	candidates := make([]int, 0)
	for i, ps := range d.pieces {
		if ps.downloaded || ps.downloading {
			continue
		}
		if d.bd.Local.Has(i) {
			continue
		}
		if !peerBitfield.Has(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	chosen := d.pick(d.pieces, candidates)
	d.pieces[chosen].downloading = true
	d.pieces[chosen].assignedTo = connID
	d.connToPiece[connID] = chosen
	return chosen, true
}

func (d *dispatcher) ReturnBlocks(connID string, blocks []BlockSpec) {
	// This dispatcher does not track per-block in-flight state, so
	// ReturnBlocks changes nothing. A returned block's piece stays assigned
	// to connID, and the next NextBlocks call for connID re-offers any block
	// still missing from ps.have. Returned blocks are not offered to other
	// connections; the piece is released to them only by PeerGone.
	_ = connID
	_ = blocks
}

func (d *dispatcher) DeliverBlock(connID string, pieceIndex, begin uint32, length int) bool {
	idx := int(pieceIndex)
	if idx < 0 || idx >= len(d.pieces) {
		return false
	}
	ps := d.pieces[idx]
	blockIndex := int(begin) / blockSize
	if blockIndex < 0 || blockIndex >= ps.numBlocks {
		return false
	}
	ps.have.Set(blockIndex, true)
	ps.contributors.Add(connID)
	for b := 0; b < ps.numBlocks; b++ {
		if !ps.have.Has(b) {
			return false
		}
	}
	ps.downloaded = true
	ps.downloading = false
	delete(d.connToPiece, connID)
	return true
}

func (d *dispatcher) Contributors(pieceIndex int) mapset.Set {
	if pieceIndex < 0 || pieceIndex >= len(d.pieces) {
		return mapset.NewSet()
	}
	return d.pieces[pieceIndex].contributors.Clone()
}

func (d *dispatcher) ConfirmPiece(pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= len(d.pieces) {
		return
	}
	d.pieces[pieceIndex].contributors = mapset.NewSet()
}

func (d *dispatcher) ResetPiece(pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= len(d.pieces) {
		return
	}
	ps := d.pieces[pieceIndex]
	ps.have = bitfield.New(ps.numBlocks)
	ps.downloaded = false
	ps.downloading = false
	ps.contributors = mapset.NewSet()
}
