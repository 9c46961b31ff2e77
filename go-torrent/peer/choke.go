package peer

import (
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/defddr/bitwave/go-torrent/stats"
)

const (
	snubbedPeriod = 60 * time.Second
	chokeInterval = 10 * time.Second
	downloaders   = 4 // number of peers kept unchoked as active uploaders
)

// connInfo is the read-only snapshot of a connection the choke policy
// scores and acts on; Manager.Snapshot builds these without exposing
// Connection internals outside the package.
type connInfo struct {
	id             string
	peerInterested bool
	amInterested   bool
	peerChoking    bool
	amChoking      bool
	lastPieceAt    time.Time

	speed         int
	shouldUnchoke bool
	snubbed       bool
}

// ChokePolicy periodically recomputes which connections to unchoke
// (spec.md §1: the choke algorithm itself is a policy hook the core
// consumes, not part of the core scheduler). Grounded on peer/choke.go's
// rate-based "unchoke the fastest downloaders plus one optimistic peer"
// algorithm, rebased onto stats.Tracker and the Connection/Scheduler
// pairing this package now uses instead of the old single Peer type.
type ChokePolicy struct {
	mgr     *Manager
	rates   stats.Tracker
	log     *zap.Logger
	seeding bool
}

// NewChokePolicy returns a ChokePolicy driving mgr's connections using
// rates for scoring.
func NewChokePolicy(mgr *Manager, rates stats.Tracker, log *zap.Logger, seeding bool) *ChokePolicy {
	return &ChokePolicy{mgr: mgr, rates: rates, log: log, seeding: seeding}
}

// Run blocks, recomputing choke decisions every chokeInterval, until stop
// is closed.
func (p *ChokePolicy) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(chokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *ChokePolicy) tick() {
	infos := p.mgr.snapshot()
	peerRates := p.rates.PeerRates()

	interested := make([]*connInfo, 0)
	notInterested := make([]*connInfo, 0)
	now := time.Now()
	for _, ci := range infos {
		if pr, ok := peerRates[ci.id]; ok {
			if p.seeding {
				ci.speed = pr.UploadRate
			} else {
				ci.speed = pr.DownloadRate
			}
		}
		if ci.amInterested && !ci.peerChoking && !ci.lastPieceAt.IsZero() && now.Sub(ci.lastPieceAt) > snubbedPeriod {
			ci.snubbed = true
		}
		if ci.peerInterested && !ci.snubbed {
			interested = append(interested, ci)
		} else {
			notInterested = append(notInterested, ci)
		}
	}

	sortBySpeed(interested)
	sortBySpeed(notInterested)

	speedThreshold := 0
	for i := 0; i < len(interested) && i < downloaders; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// Optimistic unchoke: one random interested peer beyond the top
	// downloaders, giving new swarm entrants a chance to prove themselves.
	if len(interested) > downloaders {
		rest := interested[downloaders:]
		rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		for _, ci := range rest {
			ci.shouldUnchoke = true
			break
		}
	}

	for _, ci := range append(interested, notInterested...) {
		if ci.shouldUnchoke == ci.amChoking {
			p.mgr.applyChoking(ci.id, !ci.shouldUnchoke)
		}
	}
}

func sortBySpeed(infos []*connInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].speed > infos[j].speed })
}
