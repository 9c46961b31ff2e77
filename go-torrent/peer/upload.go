package peer

import "github.com/defddr/bitwave/go-torrent/storage"

// UploadDispatcher is the shared, bounded-concurrency front door onto the
// cache for serving upload requests across every connection (spec.md §6):
// without a shared cap, a swarm of simultaneous peer_request floods would
// each spawn unbounded disk reads. Grounded on the original's block-read
// queue (original_source/socket/Buffer.h's allocator exists for the same
// "don't let I/O volume dictate memory use" reason), rendered here as a
// buffered semaphore over goroutines rather than a manual queue.
type UploadDispatcher struct {
	cache storage.Cache
	sem   chan struct{}
}

// NewUploadDispatcher returns a dispatcher that serves at most maxConcurrent
// reads from cache at once; further requests block until a slot frees.
func NewUploadDispatcher(cache storage.Cache, maxConcurrent int) *UploadDispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &UploadDispatcher{cache: cache, sem: make(chan struct{}, maxConcurrent)}
}

// PushUploadRequest enqueues a block read for ref. done is invoked from the
// cache's ReadBlock completion, on the cache's goroutine — the caller must route it through its own
// connection's posting discipline before touching connection state, exactly
// as with storage.Cache's callbacks.
func (u *UploadDispatcher) PushUploadRequest(ref BlockRef, done func(data []byte, err error)) {
	u.sem <- struct{}{}
	u.cache.ReadBlock(int(ref.PieceIndex), int64(ref.Begin), int64(ref.Length), func(data []byte, err error) {
		<-u.sem
		done(data, err)
	})
}
