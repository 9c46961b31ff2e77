package storage

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defddr/bitwave/go-torrent/piece"
)

func newTestBD() (*piece.BitData, [][20]byte, []byte) {
	pieceLen := 8
	numPieces := 2
	total := int64(pieceLen*numPieces - 3) // short final piece
	bd := piece.NewBitData([20]byte{1}, numPieces, pieceLen, 4, total)

	full := make([]byte, total)
	for i := range full {
		full[i] = byte(i + 1)
	}
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		size := bd.PieceSize(i)
		hashes[i] = sha1.Sum(full[int64(i)*int64(pieceLen) : int64(i)*int64(pieceLen)+size])
	}
	return bd, hashes, full
}

func TestDiskCache_WriteThenVerify(t *testing.T) {
	fs := afero.NewMemMapFs()
	bd, hashes, full := newTestBD()
	c, err := NewDiskCache(fs, "torrent.dat", bd, hashes, nil)
	require.NoError(t, err)

	type result struct {
		pieceDone, verified bool
		err                 error
	}
	results := make(chan result, 4)

	// piece 0: two 4-byte blocks
	c.WriteBlock(0, 0, full[0:4], func(done, verified bool, err error) {
		results <- result{done, verified, err}
	})
	c.WriteBlock(0, 4, full[4:8], func(done, verified bool, err error) {
		results <- result{done, verified, err}
	})

	r1 := <-results
	r2 := <-results
	// one of the two writes completes the piece; order between the two
	// goroutines is not guaranteed.
	doneCount := 0
	for _, r := range []result{r1, r2} {
		require.NoError(t, r.err)
		if r.pieceDone {
			doneCount++
			assert.True(t, r.verified)
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestDiskCache_ReadBlock(t *testing.T) {
	fs := afero.NewMemMapFs()
	bd, hashes, full := newTestBD()
	c, err := NewDiskCache(fs, "torrent.dat", bd, hashes, nil)
	require.NoError(t, err)

	c.WriteBlock(0, 0, full[0:4], func(bool, bool, error) {})
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	c.ReadBlock(0, 0, 4, func(data []byte, err error) {
		require.NoError(t, err)
		assert.Equal(t, full[0:4], data)
		close(done)
	})
	<-done
}
