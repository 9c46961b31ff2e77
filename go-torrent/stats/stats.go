// Package stats implements the swarm-rate bookkeeping consumed by the
// choke policy hook (spec.md §1): per-connection upload/download rates,
// rolling-averaged over a short window, plus client-wide totals. Grounded
// on stats/stats.go, rebased onto zap for the periodic rate log line
// (spec.md's ambient logging stack).
package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
	"go.uber.org/zap"
)

// Tracker is the rate-tracking collaborator: every connection reports its
// transferred bytes here, and a periodic caller (the choke policy, in the
// reference wiring) reads back smoothed rates to decide who to unchoke.
type Tracker interface {
	UpdatePeer(connID string, uploaded, downloaded int)
	RemovePeer(connID string)
	PeerRates() map[string]*PeerRate
	ClientTotals() (uploaded, downloaded int64)
}

// rollingWindow is the number of most-recent sampling periods averaged
// into a rate.
const rollingWindow = 10

type tracker struct {
	mu sync.Mutex

	log *zap.Logger

	totalUploaded   int64
	totalDownloaded int64

	client    rateWindow
	peerRates map[string]*PeerRate
}

// PeerRate holds a connection's smoothed transfer rates and the
// not-yet-sampled byte counters feeding them.
type PeerRate struct {
	UploadRate   int
	DownloadRate int

	currentUpload   int
	currentDownload int
	window          rateWindow
}

type rateWindow struct {
	upload   [rollingWindow]int
	download [rollingWindow]int
	i        int
}

// NewTracker returns a Tracker that logs its periodic rate summary via log.
func NewTracker(log *zap.Logger) Tracker {
	return &tracker{log: log, peerRates: make(map[string]*PeerRate)}
}

// UpdatePeer accumulates bytes transferred with connID since the last
// PeerRates call.
func (t *tracker) UpdatePeer(connID string, uploaded, downloaded int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pr, ok := t.peerRates[connID]
	if !ok {
		pr = &PeerRate{}
		t.peerRates[connID] = pr
	}
	pr.currentUpload += uploaded
	pr.currentDownload += downloaded
}

// RemovePeer discards connID's tracked rate, called once its connection is
// torn down.
func (t *tracker) RemovePeer(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peerRates, connID)
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// PeerRates advances the rolling window by one sample for every tracked
// connection and returns the refreshed per-connection rates. Intended to
// be called on a fixed period (the choke policy's interval, in the
// reference wiring).
func (t *tracker) PeerRates() map[string]*PeerRate {
	t.mu.Lock()
	defer t.mu.Unlock()

	var clientUploaded, clientDownloaded int
	for _, pr := range t.peerRates {
		pr.window.upload[pr.window.i] = pr.currentUpload
		pr.window.download[pr.window.i] = pr.currentDownload
		underscore.Chain(pr.window.upload).Reduce(0, sumReduce).Value(&pr.UploadRate)
		pr.UploadRate /= rollingWindow
		underscore.Chain(pr.window.download).Reduce(0, sumReduce).Value(&pr.DownloadRate)
		pr.DownloadRate /= rollingWindow
		pr.window.i = (pr.window.i + 1) % rollingWindow

		clientUploaded += pr.currentUpload
		clientDownloaded += pr.currentDownload
		pr.currentUpload = 0
		pr.currentDownload = 0
	}

	t.client.upload[t.client.i] = clientUploaded
	t.client.download[t.client.i] = clientDownloaded
	var uploadRate, downloadRate int
	underscore.Chain(t.client.upload).Reduce(0, sumReduce).Value(&uploadRate)
	uploadRate /= rollingWindow
	underscore.Chain(t.client.download).Reduce(0, sumReduce).Value(&downloadRate)
	downloadRate /= rollingWindow
	t.client.i = (t.client.i + 1) % rollingWindow

	t.totalUploaded += int64(clientUploaded)
	t.totalDownloaded += int64(clientDownloaded)
	t.log.Debug("swarm rate",
		zap.Int("upload_bps", uploadRate),
		zap.Int("download_bps", downloadRate),
		zap.Int("connections", len(t.peerRates)))

	out := make(map[string]*PeerRate, len(t.peerRates))
	for id, pr := range t.peerRates {
		out[id] = pr
	}
	return out
}

// ClientTotals returns cumulative bytes uploaded/downloaded across the
// client's lifetime.
func (t *tracker) ClientTotals() (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalUploaded, t.totalDownloaded
}
