// Package bitfield implements the per-peer and per-torrent piece bitfield
// described in spec.md §3: a bit vector of length equal to the torrent's
// piece count, rounded up to whole bytes, with the trailing spare bits
// required to be zero.
package bitfield

import (
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

// ErrSpareBits is returned by Decode when the trailing bits beyond numPieces
// are non-zero. spec.md §9 adopts the stricter BEP-3 interpretation: those
// bits must be zero or the bitfield is rejected.
var ErrSpareBits = errors.New("bitfield: trailing spare bits are non-zero")

// Bitfield tracks which of a torrent's pieces a peer (or the local client)
// has. It is a thin, invariant-checked wrapper around boljen/go-bitmap.
type Bitfield struct {
	bm        bitmap.Bitmap
	numPieces int
}

// New returns an all-zero Bitfield sized for numPieces.
func New(numPieces int) *Bitfield {
	return &Bitfield{bm: bitmap.New(numPieces), numPieces: numPieces}
}

// Decode validates and wraps a wire-format bitfield payload (spec.md §4.2's
// bitfield message and §9's trailing-bit rule). The payload is truncated to
// the declared piece count; any set bit past numPieces is an error.
func Decode(payload []byte, numPieces int) (*Bitfield, error) {
	byteLen := (numPieces + 7) / 8
	if len(payload) < byteLen {
		return nil, errors.Errorf("bitfield: have %d bytes, need %d for %d pieces", len(payload), byteLen, numPieces)
	}
	trimmed := payload[:byteLen]
	for i := numPieces; i < byteLen*8; i++ {
		if bitmap.Get(trimmed, i) {
			return nil, ErrSpareBits
		}
	}
	bm := bitmap.Bitmap(append([]byte{}, trimmed...))
	return &Bitfield{bm: bm, numPieces: numPieces}, nil
}

// Has reports whether piece i is marked present.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || i >= b.numPieces {
		return false
	}
	return b.bm.Get(i)
}

// Set marks piece i present (or absent, if present is false).
func (b *Bitfield) Set(i int, present bool) {
	if i < 0 || i >= b.numPieces {
		return
	}
	b.bm.Set(i, present)
}

// Len returns the number of pieces the bitfield covers.
func (b *Bitfield) Len() int { return b.numPieces }

// Bytes returns the wire-format payload for a bitfield message: the minimum
// number of bytes to cover numPieces bits, trailing bits zero.
func (b *Bitfield) Bytes() []byte {
	return b.bm.Data(true)
}

// HasAnyNotIn reports whether any of the pieces b has are absent from other. Used
// to recompute am_interested (spec.md §4.4 "Bitfield-driven interest"): other
// is typically the local client's bitfield, and b the peer's.
func (b *Bitfield) HasAnyNotIn(other *Bitfield) bool {
	for i := 0; i < b.numPieces; i++ {
		if b.Has(i) && !other.Has(i) {
			return true
		}
	}
	return false
}
