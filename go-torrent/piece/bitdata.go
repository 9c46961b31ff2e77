// Package piece holds BitData (spec.md §2's per-torrent collaborator), the
// downloading-info observer graph (spec.md §6, §9), and the download
// dispatcher the request scheduler consumes (spec.md §6, §4.4). Metainfo
// parsing itself (turning a .torrent file into these fields) is explicitly
// out of scope per spec.md §1 — BitData is always constructed from
// already-known fields.
package piece

import "github.com/defddr/bitwave/go-torrent/bitfield"

// BitData is the per-torrent collaborator the connection engine and
// scheduler read from: info-hash, piece/block geometry, the local bitfield,
// and the downloading-info tracker (spec.md §2).
type BitData struct {
	InfoHash    [20]byte
	NumPieces   int
	PieceLength int
	BlockLength int
	TotalLength int64

	Local       *bitfield.Bitfield
	Downloading *DownloadingInfo
}

// NewBitData constructs a BitData for a torrent whose shape is already
// known (info-hash, piece count, piece length, block length, total length).
func NewBitData(infoHash [20]byte, numPieces, pieceLength, blockLength int, totalLength int64) *BitData {
	return &BitData{
		InfoHash:    infoHash,
		NumPieces:   numPieces,
		PieceLength: pieceLength,
		BlockLength: blockLength,
		TotalLength: totalLength,
		Local:       bitfield.New(numPieces),
		Downloading: NewDownloadingInfo(),
	}
}

// PieceSize returns the byte length of piece i, accounting for a short
// final piece.
func (b *BitData) PieceSize(i int) int64 {
	if i < 0 || i >= b.NumPieces {
		return 0
	}
	if i == b.NumPieces-1 {
		return b.TotalLength - int64(b.PieceLength)*int64(b.NumPieces-1)
	}
	return int64(b.PieceLength)
}
