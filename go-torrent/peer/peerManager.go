package peer

import (
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/defddr/bitwave/go-torrent/piece"
	"github.com/defddr/bitwave/go-torrent/reactor"
	"github.com/defddr/bitwave/go-torrent/stats"
	"github.com/defddr/bitwave/go-torrent/storage"
	"github.com/defddr/bitwave/go-torrent/timer"
	"github.com/defddr/bitwave/go-torrent/wire"
)

const (
	dialTimeout     = 2 * time.Second
	defaultMaxPeers = 100
)

var (
	errBanned     = errors.New("peer: connection id is banned")
	errAtCapacity = errors.New("peer: at max connection capacity")
)

func haveMessage(pieceIndex int) wire.Message {
	return wire.Message{Kind: wire.Have, Index: uint32(pieceIndex)}
}

// torrentEntry bundles the shared, per-torrent collaborators every
// Connection on that torrent reads from (spec.md §2).
type torrentEntry struct {
	bd         *piece.BitData
	dispatcher piece.DownloadDispatcher
	cache      storage.Cache
}

// Manager is the connection arena of spec.md §9: it owns every live
// Connection, resolves info-hashes for incoming handshakes, and
// rebroadcasts have messages. It implements Owner, and is the direct
// replacement for the single-torrent PeerManager this package started
// from — one Manager now serves any number of concurrently seeded/leeched
// torrents, keyed by info-hash.
type Manager struct {
	mu          sync.RWMutex
	localPeerID [20]byte
	react       *reactor.Reactor
	timers      *timer.Service
	upload      *UploadDispatcher

	torrents map[[20]byte]*torrentEntry
	conns    map[string]*Connection
	banned   mapset.Set
	maxPeers int
	rates    stats.Tracker
	cfg      Config
	log      *zap.Logger
}

// NewManager returns an empty Manager. react must already be running its
// event loop (reactor.Run) on its own goroutine before any connection is
// started. rates may be nil if the swarm-rate choke policy hook is not in
// use. log may be nil, in which case the manager and every connection it
// creates logs nothing.
func NewManager(localPeerID [20]byte, react *reactor.Reactor, timers *timer.Service, upload *UploadDispatcher, rates stats.Tracker, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		localPeerID: localPeerID,
		react:       react,
		timers:      timers,
		upload:      upload,
		torrents:    make(map[[20]byte]*torrentEntry),
		conns:       make(map[string]*Connection),
		banned:      mapset.NewSet(),
		maxPeers:    defaultMaxPeers,
		rates:       rates,
		cfg:         cfg,
		log:         log,
	}
}

// AddTorrent registers a torrent's collaborators so inbound handshakes
// bearing infoHash can be resolved and outbound dials can be made to it. It
// also subscribes two torrent-wide observers:
//
//   - the checksum-failure ban policy: a piece that fails verification gets
//     every contributing peer banned and its bookkeeping reset for a fresh
//     download, grounded on peerManager.go's peer-contribution sets and
//     rarestFirstPieceManager.go's ban-on-bad-piece behavior.
//   - the have broadcaster: once a piece verifies, have(p) is sent to every
//     live connection on the torrent exactly once (spec.md §4.4 "when
//     a piece completes locally, broadcast have(p)"), independent of which
//     connection's block happened to complete it.
func (m *Manager) AddTorrent(infoHash [20]byte, bd *piece.BitData, dispatcher piece.DownloadDispatcher, cache storage.Cache) {
	m.mu.Lock()
	m.torrents[infoHash] = &torrentEntry{bd: bd, dispatcher: dispatcher, cache: cache}
	m.mu.Unlock()

	bd.Downloading.Subscribe("manager-ban-policy", &banOnFailure{manager: m, dispatcher: dispatcher})
	bd.Downloading.Subscribe("manager-have-broadcast", &haveBroadcaster{manager: m, infoHash: infoHash})
}

// RemoveTorrent drops a torrent from the directory. Connections already
// open against it are left alone; the intended use is after StopAll.
func (m *Manager) RemoveTorrent(infoHash [20]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.torrents, infoHash)
}

// Dial opens a new outbound connection to addr for infoHash's torrent.
func (m *Manager) Dial(addr string, infoHash [20]byte) error {
	if m.isBanned(addr) {
		return errBanned
	}
	if m.atCapacity() {
		return errAtCapacity
	}
	conn, err := net.DialTimeout("tcp4", addr, dialTimeout)
	if err != nil {
		return err
	}
	c := NewOutbound(addr, conn, infoHash, m, m.react, m.timers, m.upload, m.cfg, m.log)
	m.register(addr, c)
	return c.Start()
}

// Accept wraps an already-accepted socket as an inbound connection, using
// its remote address as the connection id.
func (m *Manager) Accept(conn net.Conn) error {
	id := conn.RemoteAddr().String()
	if m.isBanned(id) || m.atCapacity() {
		conn.Close()
		return errBanned
	}
	c := NewInbound(id, conn, m, m.react, m.timers, m.upload, m.cfg, m.log)
	m.register(id, c)
	return c.Start()
}

func (m *Manager) register(id string, c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = c
}

func (m *Manager) atCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns) >= m.maxPeers
}

func (m *Manager) isBanned(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.banned.Contains(id)
}

// Ban marks id (a connection id, i.e. a dial address or remote addr
// string) as banned, refusing future Dial/Accept calls for it. Choosing
// which peers misbehave enough to ban is a policy hook outside this
// package (spec.md §1); Ban is the mechanism it drives.
func (m *Manager) Ban(id string) {
	m.mu.Lock()
	m.banned.Add(id)
	c, live := m.conns[id]
	m.mu.Unlock()

	if live {
		c.react.Post(id, func() { c.die(errors.New("peer: banned")) })
	}
}

// Resolve implements Owner.
func (m *Manager) Resolve(infoHash [20]byte) (*piece.BitData, piece.DownloadDispatcher, storage.Cache, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	te, ok := m.torrents[infoHash]
	if !ok {
		return nil, nil, nil, false
	}
	return te.bd, te.dispatcher, te.cache, true
}

// BroadcastHave implements Owner: it posts a have to every other live
// connection on infoHash's torrent. fromConnID is excluded so a piece just
// received from a peer isn't echoed straight back to them.
func (m *Manager) BroadcastHave(infoHash [20]byte, fromConnID string, pieceIndex int) {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.conns))
	for id, c := range m.conns {
		if id == fromConnID {
			continue
		}
		if c.state == nil || c.state.Identity.InfoHash != infoHash {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		c.react.Post(c.id, func() {
			if c.phase != Ready {
				return
			}
			_ = c.writeMessage(haveMessage(pieceIndex))
		})
	}
}

// LocalPeerID implements Owner.
func (m *Manager) LocalPeerID() [20]byte { return m.localPeerID }

// Rates implements Owner.
func (m *Manager) Rates() stats.Tracker { return m.rates }

// Forget implements Owner: removes a dead connection from the arena.
func (m *Manager) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connID)
}

// ConnectionCount reports the number of live connections across every
// torrent.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// snapshot builds a read-only connInfo for every ready connection, for the
// choke policy to score.
func (m *Manager) snapshot() []*connInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]*connInfo, 0, len(m.conns))
	for id, c := range m.conns {
		if c.phase != Ready || c.state == nil {
			continue
		}
		infos = append(infos, &connInfo{
			id:             id,
			peerInterested: c.state.Conn.PeerInterested,
			amInterested:   c.state.Conn.AmInterested,
			peerChoking:    c.state.Conn.PeerChoking,
			amChoking:      c.state.Conn.AmChoking,
			lastPieceAt:    c.lastPieceAt,
		})
	}
	return infos
}

// applyChoking asks the connection identified by id to change its local
// choking flag, posted through its own single-threaded context.
func (m *Manager) applyChoking(id string, choking bool) {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.react.Post(id, func() {
		if c.phase != Ready || c.sched == nil {
			return
		}
		_ = c.sched.SetChoking(choking)
	})
}

// banOnFailure is the per-torrent piece.Observer that turns a checksum
// failure into bans for every peer that contributed a block to the bad
// piece, then clears the piece's bookkeeping so it is requested afresh.
type banOnFailure struct {
	manager    *Manager
	dispatcher piece.DownloadDispatcher
}

func (b *banOnFailure) DownloadingNewPiece(pieceIndex int) {}

func (b *banOnFailure) CompleteNewPiece(pieceIndex int) {
	b.dispatcher.ConfirmPiece(pieceIndex)
}

func (b *banOnFailure) DownloadingFailed(pieceIndex int) {
	for _, id := range b.dispatcher.Contributors(pieceIndex).ToSlice() {
		if connID, ok := id.(string); ok {
			b.manager.Ban(connID)
		}
	}
	b.dispatcher.ResetPiece(pieceIndex)
}

// haveBroadcaster is the per-torrent piece.Observer that turns a verified
// piece completion into a have(p) broadcast to every live connection on the
// torrent (no connection is excluded), fired exactly once per piece regardless of which
// connection delivered the completing block (spec.md §4.4).
type haveBroadcaster struct {
	manager  *Manager
	infoHash [20]byte
}

func (h *haveBroadcaster) DownloadingNewPiece(pieceIndex int) {}

func (h *haveBroadcaster) CompleteNewPiece(pieceIndex int) {
	h.manager.BroadcastHave(h.infoHash, "", pieceIndex)
}

func (h *haveBroadcaster) DownloadingFailed(pieceIndex int) {}
