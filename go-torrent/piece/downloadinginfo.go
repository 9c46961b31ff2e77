package piece

import "sync"

// Observer is notified of piece-lifecycle events (spec.md §6, §9):
// DownloadingNewPiece each time a block of the piece is received (the
// scheduler fires it per block, not only for the first), CompleteNewPiece once every block has
// arrived and the cache has verified the SHA-1 hash, and DownloadingFailed
// if verification fails and the piece's blocks must be re-requested.
type Observer interface {
	DownloadingNewPiece(pieceIndex int)
	CompleteNewPiece(pieceIndex int)
	DownloadingFailed(pieceIndex int)
}

// DownloadingInfo is the subscribe/unsubscribe hub referenced throughout
// spec.md §6 and §9: delivery is guaranteed only to subscribers still
// registered at the moment an event fires, never queued for latecomers.
type DownloadingInfo struct {
	mu   sync.RWMutex
	subs map[string]Observer
}

// NewDownloadingInfo returns an empty hub.
func NewDownloadingInfo() *DownloadingInfo {
	return &DownloadingInfo{subs: make(map[string]Observer)}
}

// Subscribe registers o under id, replacing any previous subscriber at id.
func (d *DownloadingInfo) Subscribe(id string, o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[id] = o
}

// Unsubscribe removes the subscriber at id, if any.
func (d *DownloadingInfo) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

func (d *DownloadingInfo) snapshot() []Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Observer, 0, len(d.subs))
	for _, o := range d.subs {
		out = append(out, o)
	}
	return out
}

// FireDownloadingNewPiece notifies current subscribers.
func (d *DownloadingInfo) FireDownloadingNewPiece(pieceIndex int) {
	for _, o := range d.snapshot() {
		o.DownloadingNewPiece(pieceIndex)
	}
}

// FireCompleteNewPiece notifies current subscribers.
func (d *DownloadingInfo) FireCompleteNewPiece(pieceIndex int) {
	for _, o := range d.snapshot() {
		o.CompleteNewPiece(pieceIndex)
	}
}

// FireDownloadingFailed notifies current subscribers.
func (d *DownloadingInfo) FireDownloadingFailed(pieceIndex int) {
	for _, o := range d.snapshot() {
		o.DownloadingFailed(pieceIndex)
	}
}
