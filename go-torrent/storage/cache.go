// Package storage implements the Cache collaborator (spec.md §6): block
// reads and writes against the torrent's flat byte stream, with piece
// assembly and SHA-1 verification internal to the cache rather than the
// request scheduler. Grounded on storage/randomAccessStorage.go's
// offset-arithmetic file I/O, rebased onto afero (so tests can swap in an
// in-memory filesystem) and a single flat file per torrent: multi-file
// layout mapping is download-orchestration territory the core doesn't own
// (spec.md §1).
package storage

import (
	"crypto/sha1"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/defddr/bitwave/go-torrent/bitfield"
	"github.com/defddr/bitwave/go-torrent/piece"
)

// Cache is the storage collaborator the request scheduler and upload path
// consume (spec.md §6). Writes and reads are async: both report completion
// through a callback rather than blocking the caller, since a connection's
// single-threaded context must never block on disk I/O.
type Cache interface {
	// WriteBlock persists a downloaded block at (pieceIndex, begin). done is
	// called once the write lands; if the block completed its piece, done
	// additionally reports whether the piece's SHA-1 hash verified. done is
	// invoked on a goroutine the cache owns — callers must wrap it to
	// restore the caller's own serialization (spec.md §5's posting
	// discipline) before touching connection state.
	WriteBlock(pieceIndex int, begin int64, data []byte, done func(pieceDone bool, verified bool, err error))
	// ReadBlock serves an upload request. done is invoked the same way as
	// in WriteBlock.
	ReadBlock(pieceIndex int, begin, length int64, done func(data []byte, err error))
}

type diskCache struct {
	mu     sync.Mutex
	bd     *piece.BitData
	hashes [][20]byte
	file   afero.File
	// received tracks, per piece still in progress, which block indices
	// have actually landed. A duplicate or late delivery of a block already
	// recorded here is a no-op rather than inflating completion past the
	// piece's true arrival count (spec.md §4.4/§9's "a late reply is
	// accepted and silently deduplicated").
	received map[int]*bitfield.Bitfield
	log      *zap.Logger
}

// NewDiskCache opens (creating if needed) a single flat file at path on fs,
// sized to bd.TotalLength, and returns a Cache backed by it. hashes must
// have bd.NumPieces entries, the expected SHA-1 of each piece in order. log
// may be nil, in which case the cache logs nothing.
func NewDiskCache(fs afero.Fs, path string, bd *piece.BitData, hashes [][20]byte, log *zap.Logger) (Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(hashes) != bd.NumPieces {
		return nil, errors.Errorf("storage: got %d piece hashes, want %d", len(hashes), bd.NumPieces)
	}
	f, err := fs.OpenFile(path, fileCreateFlags(), 0644)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open cache file")
	}
	if err := f.Truncate(bd.TotalLength); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "storage: size cache file")
	}
	return &diskCache{
		bd:       bd,
		hashes:   hashes,
		file:     f,
		received: make(map[int]*bitfield.Bitfield),
		log:      log,
	}, nil
}

func (c *diskCache) offset(pieceIndex int, begin int64) int64 {
	return int64(pieceIndex)*int64(c.bd.PieceLength) + begin
}

// numBlocksInPiece returns how many blocks pieceIndex is divided into,
// accounting for a short final block on a short final piece.
func (c *diskCache) numBlocksInPiece(pieceIndex int) int {
	size := c.bd.PieceSize(pieceIndex)
	n := int(size / int64(c.bd.BlockLength))
	if size%int64(c.bd.BlockLength) != 0 {
		n++
	}
	return n
}

func (c *diskCache) WriteBlock(pieceIndex int, begin int64, data []byte, done func(pieceDone bool, verified bool, err error)) {
	go func() {
		if _, err := c.file.WriteAt(data, c.offset(pieceIndex, begin)); err != nil {
			done(false, false, errors.Wrap(err, "storage: write block"))
			return
		}

		blockIndex := int(begin / int64(c.bd.BlockLength))

		c.mu.Lock()
		bf, ok := c.received[pieceIndex]
		if !ok {
			bf = bitfield.New(c.numBlocksInPiece(pieceIndex))
			c.received[pieceIndex] = bf
		}
		if bf.Has(blockIndex) {
			// Duplicate or late-arriving block already recorded: no-op, so it
			// can't inflate completion past the piece's true arrival count.
			c.mu.Unlock()
			c.log.Debug("storage: duplicate block ignored", zap.Int("piece", pieceIndex), zap.Int("block", blockIndex))
			done(false, false, nil)
			return
		}
		bf.Set(blockIndex, true)
		complete := allBlocksReceived(bf)
		if complete {
			delete(c.received, pieceIndex)
		}
		c.mu.Unlock()

		c.log.Debug("storage: wrote block", zap.Int("piece", pieceIndex), zap.Int("block", blockIndex))

		if !complete {
			done(false, false, nil)
			return
		}

		verified, err := c.verify(pieceIndex)
		if err == nil && !verified {
			c.log.Warn("storage: piece failed checksum verification", zap.Int("piece", pieceIndex))
		}
		done(true, verified, err)
	}()
}

func allBlocksReceived(bf *bitfield.Bitfield) bool {
	for i := 0; i < bf.Len(); i++ {
		if !bf.Has(i) {
			return false
		}
	}
	return true
}

func (c *diskCache) verify(pieceIndex int) (bool, error) {
	size := c.bd.PieceSize(pieceIndex)
	buf := make([]byte, size)
	if _, err := c.file.ReadAt(buf, c.offset(pieceIndex, 0)); err != nil {
		return false, errors.Wrap(err, "storage: reread piece for verification")
	}
	sum := sha1.Sum(buf)
	return sum == c.hashes[pieceIndex], nil
}

func (c *diskCache) ReadBlock(pieceIndex int, begin, length int64, done func(data []byte, err error)) {
	go func() {
		buf := make([]byte, length)
		if _, err := c.file.ReadAt(buf, c.offset(pieceIndex, begin)); err != nil {
			done(nil, errors.Wrap(err, "storage: read block"))
			return
		}
		done(buf, nil)
	}()
}
