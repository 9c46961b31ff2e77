package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defddr/bitwave/go-torrent/bitfield"
)

func newTestBD4() *BitData {
	return NewBitData([20]byte{1}, 4, 16384, 16384, 4*16384)
}

func fullBitfield(numPieces int) *bitfield.Bitfield {
	bf := bitfield.New(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.Set(i, true)
	}
	return bf
}

func TestRarestFirstDispatcher_PicksLowestAvailability(t *testing.T) {
	bd := newTestBD4()
	d := NewRarestFirstDispatcher(bd)

	// Piece 2 is rarer than the others (seen from only one peer).
	d.PeerHave("other", 0)
	d.PeerHave("other", 1)
	d.PeerHave("other", 2)
	d.PeerHave("other", 3)
	d.PeerHave("another", 0)
	d.PeerHave("another", 1)
	d.PeerHave("another", 3)

	blocks := d.NextBlocks("peerA", fullBitfield(4), 1)
	require.Len(t, blocks, 1)
	assert.EqualValues(t, 2, blocks[0].PieceIndex)
}

func TestSequentialDispatcher_PicksLowestIndex(t *testing.T) {
	bd := newTestBD4()
	d := NewSequentialDispatcher(bd)

	d.PeerHave("other", 3)
	d.PeerHave("other", 2)

	blocks := d.NextBlocks("peerA", fullBitfield(4), 1)
	require.Len(t, blocks, 1)
	assert.EqualValues(t, 0, blocks[0].PieceIndex)
}

func TestDispatcher_DeliverBlockCompletesPiece(t *testing.T) {
	bd := newTestBD4()
	d := NewRarestFirstDispatcher(bd)

	blocks := d.NextBlocks("peerA", fullBitfield(4), 10)
	require.Len(t, blocks, 1) // piece 0 is exactly one block at this size

	complete := d.DeliverBlock("peerA", blocks[0].PieceIndex, blocks[0].Begin, int(blocks[0].Length))
	assert.True(t, complete)
}

func TestDispatcher_ContributorsTrackedAndResettable(t *testing.T) {
	bd := newTestBD4()
	d := NewRarestFirstDispatcher(bd)

	blocks := d.NextBlocks("peerA", fullBitfield(4), 10)
	require.Len(t, blocks, 1)
	complete := d.DeliverBlock("peerA", blocks[0].PieceIndex, blocks[0].Begin, int(blocks[0].Length))
	require.True(t, complete)

	contributors := d.Contributors(int(blocks[0].PieceIndex))
	assert.True(t, contributors.Contains("peerA"))

	d.ResetPiece(int(blocks[0].PieceIndex))
	assert.False(t, d.Contributors(int(blocks[0].PieceIndex)).Contains("peerA"))

	again := d.NextBlocks("peerB", fullBitfield(4), 10)
	require.Len(t, again, 1)
	assert.Equal(t, blocks[0].PieceIndex, again[0].PieceIndex)
}

func TestDispatcher_PeerGoneReleasesAssignedPiece(t *testing.T) {
	bd := newTestBD4()
	d := NewRarestFirstDispatcher(bd)

	blocks := d.NextBlocks("peerA", fullBitfield(4), 1)
	require.NotEmpty(t, blocks)

	d.PeerGone("peerA")

	again := d.NextBlocks("peerB", fullBitfield(4), 1)
	require.NotEmpty(t, again)
	assert.Equal(t, blocks[0].PieceIndex, again[0].PieceIndex)
}
