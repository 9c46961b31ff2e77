// Package peer implements the connection engine and request scheduler of
// spec.md §4: the handshake state machine, choke/interest bookkeeping, the
// three request lists, and the fill/timeout policy that drives them.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/defddr/bitwave/go-torrent/bitfield"
	"github.com/defddr/bitwave/go-torrent/piece"
	"github.com/defddr/bitwave/go-torrent/reactor"
	"github.com/defddr/bitwave/go-torrent/stats"
	"github.com/defddr/bitwave/go-torrent/storage"
	"github.com/defddr/bitwave/go-torrent/timer"
	"github.com/defddr/bitwave/go-torrent/wire"
)

// Phase is the connection engine's handshake state machine (spec.md §4.5):
//
//	Connecting -> SentHandshake (outbound) or Accepted (inbound)
//	           -> AwaitHandshake -> Verifying -> Ready
//	any phase  -> Dead
type Phase int

const (
	Connecting Phase = iota
	SentHandshake
	Accepted
	AwaitHandshake
	Verifying
	Ready
	Dead
)

const readBufSize = 32 * 1024

// Owner is the connection arena and torrent directory a Connection consults
// (spec.md §9): it resolves an info-hash to the torrent's shared
// collaborators, rebroadcasts have messages to every other connection on
// that torrent, and removes a connection from the arena once it dies.
type Owner interface {
	Resolve(infoHash [20]byte) (bd *piece.BitData, dispatcher piece.DownloadDispatcher, cache storage.Cache, ok bool)
	BroadcastHave(infoHash [20]byte, fromConnID string, pieceIndex int)
	LocalPeerID() [20]byte
	Forget(connID string)
	Rates() stats.Tracker
}

// Connection is the connection engine for a single peer: one per TCP
// connection, reachable only through the Reactor's single event loop once
// past the handshake (spec.md §5). Its reader goroutine is the only other
// goroutine that ever touches it, and it touches only the raw net.Conn,
// never connection state directly.
type Connection struct {
	id       string
	conn     net.Conn
	framer   *wire.Framer
	owner    Owner
	react    *reactor.Reactor
	timers   *timer.Service
	upload   *UploadDispatcher
	cfg      Config
	log      *zap.Logger
	outbound bool
	wantHash [20]byte // outbound only: info-hash we expect the peer to echo

	phase Phase
	state *State
	sched *Scheduler
	bd    *piece.BitData

	keepAliveID timer.ID
	idleID      timer.ID
	lastSent    time.Time
	lastPieceAt time.Time

	writeMu sync.Mutex
	stopped chan struct{}
}

// ID implements reactor.Handle.
func (c *Connection) ID() string { return c.id }

// NewOutbound constructs a Connection that will initiate the handshake for
// a known torrent, identified by infoHash, once Start is called. log may be
// nil, in which case the connection logs nothing.
func NewOutbound(id string, conn net.Conn, infoHash [20]byte, owner Owner, react *reactor.Reactor,
	timers *timer.Service, upload *UploadDispatcher, cfg Config, log *zap.Logger) *Connection {
	return newConnection(id, conn, true, infoHash, owner, react, timers, upload, cfg, log)
}

// NewInbound constructs a Connection for an accepted socket whose
// info-hash is not yet known; it will be resolved once the peer's
// handshake arrives.
func NewInbound(id string, conn net.Conn, owner Owner, react *reactor.Reactor,
	timers *timer.Service, upload *UploadDispatcher, cfg Config, log *zap.Logger) *Connection {
	return newConnection(id, conn, false, [20]byte{}, owner, react, timers, upload, cfg, log)
}

func newConnection(id string, conn net.Conn, outbound bool, infoHash [20]byte, owner Owner,
	react *reactor.Reactor, timers *timer.Service, upload *UploadDispatcher, cfg Config, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		id:       id,
		conn:     conn,
		owner:    owner,
		react:    react,
		timers:   timers,
		upload:   upload,
		cfg:      cfg,
		log:      log,
		outbound: outbound,
		wantHash: infoHash,
		phase:    Connecting,
		stopped:  make(chan struct{}),
	}
	c.framer = wire.NewFramer(c.onFrame)
	return c
}

// Start registers the connection with the reactor, sends the handshake (for
// an outbound connection), and launches the reader goroutine. It must be
// called exactly once.
func (c *Connection) Start() error {
	c.react.Register(c)
	c.armIdleTimer()
	c.armKeepAlive()

	if c.outbound {
		c.phase = SentHandshake
		hs := wire.Handshake{InfoHash: c.wantHash, PeerID: c.owner.LocalPeerID()}
		if err := c.writeRaw(wire.EncodeHandshake(hs)); err != nil {
			c.die(err)
			return err
		}
	} else {
		c.phase = Accepted
	}

	go c.readLoop()
	return nil
}

// readLoop is the single extra goroutine per connection (spec.md §5): it
// only reads bytes and posts them to the reactor, never touching
// connection state itself.
func (c *Connection) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			c.react.Post(c.id, func() { c.onRead(chunk) })
		}
		if err != nil {
			c.react.Post(c.id, func() { c.die(err) })
			return
		}
	}
}

func (c *Connection) onRead(chunk []byte) {
	if c.phase == Dead {
		return
	}
	c.resetIdleTimer()
	if err := c.framer.Feed(chunk); err != nil {
		c.die(err)
	}
}

// onFrame is called synchronously from within Feed, itself called from
// onRead on the reactor loop, so it runs serialized with everything else
// touching this connection.
func (c *Connection) onFrame(data []byte) {
	if c.phase == Accepted || c.phase == SentHandshake {
		c.handleHandshake(data)
		return
	}
	if c.phase != Ready {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownMessageID) {
			c.log.Debug("peer: dropped unknown message id", zap.String("conn", c.id))
			return
		}
		c.die(err)
		return
	}
	c.log.Debug("peer: received message", zap.String("conn", c.id), zap.Uint8("kind", uint8(msg.Kind)))
	c.handleMessage(msg)
}

func (c *Connection) handleHandshake(data []byte) {
	hs, err := wire.DecodeHandshake(data)
	if err != nil {
		c.die(err)
		return
	}
	c.phase = AwaitHandshake

	var infoHash [20]byte
	if c.outbound {
		if hs.InfoHash != c.wantHash {
			c.die(errors.New("peer: info-hash mismatch"))
			return
		}
		infoHash = c.wantHash
	} else {
		infoHash = hs.InfoHash
		reply := wire.Handshake{InfoHash: infoHash, PeerID: c.owner.LocalPeerID()}
		if err := c.writeRaw(wire.EncodeHandshake(reply)); err != nil {
			c.die(err)
			return
		}
	}

	c.phase = Verifying
	bd, dispatcher, cache, ok := c.owner.Resolve(infoHash)
	if !ok {
		c.die(errors.New("peer: unknown info-hash"))
		return
	}
	c.bd = bd
	c.state = NewState(bd.NumPieces)
	c.state.Identity = Identity{InfoHash: infoHash, PeerID: hs.PeerID}
	c.sched = NewScheduler(c.id, c.state, bd, c, c.cfg, dispatcher, cache, c.upload, c.timers, c.owner.Rates(), c.postSelf, c.log)

	c.framer.DoneHandshake()
	c.phase = Ready
	c.log.Info("peer: handshake complete", zap.String("conn", c.id), zap.Bool("outbound", c.outbound))

	if err := c.sendBitfield(); err != nil {
		c.die(err)
	}
}

func (c *Connection) sendBitfield() error {
	return c.writeMessage(wire.Message{Kind: wire.BitfieldMsg, Bitfield: c.bd.Local.Bytes()})
}

func (c *Connection) handleMessage(m wire.Message) {
	switch m.Kind {
	case wire.KeepAlive:
		return
	case wire.Choke:
		c.sched.OnChoke()
	case wire.Unchoke:
		_ = c.sched.OnUnchoke()
	case wire.Interested:
		c.sched.OnInterested()
	case wire.NotInterested:
		c.sched.OnNotInterested()
	case wire.Have:
		_ = c.sched.OnHave(m.Index)
	case wire.BitfieldMsg:
		bf, err := bitfield.Decode(m.Bitfield, c.bd.NumPieces)
		if err != nil {
			c.die(err)
			return
		}
		_ = c.sched.OnBitfield(bf)
	case wire.Request:
		c.sched.OnRequest(BlockRef{PieceIndex: m.Index, Begin: m.Begin, Length: m.Length})
	case wire.Cancel:
		c.sched.OnCancel(BlockRef{PieceIndex: m.Index, Begin: m.Begin, Length: m.Length})
	case wire.Piece:
		c.lastPieceAt = time.Now()
		c.sched.OnPiece(BlockRef{PieceIndex: m.Index, Begin: m.Begin, Length: uint32(len(m.Block))}, m.Block)
	}
}

// postSelf routes a background completion (cache write, upload read) back
// onto the reactor loop for this connection (spec.md §5's posting
// discipline).
func (c *Connection) postSelf(fn func()) {
	c.react.Post(c.id, fn)
}

func (c *Connection) armKeepAlive() {
	c.keepAliveID = c.timers.Add(c.id, c.cfg.KeepAliveInterval, c.onKeepAliveTick)
}

func (c *Connection) onKeepAliveTick() {
	if c.phase == Dead {
		return
	}
	if time.Since(c.lastSent) >= c.cfg.KeepAliveInterval {
		_ = c.writeRaw(wire.Encode(wire.Message{Kind: wire.KeepAlive}))
	}
	c.armKeepAlive()
}

func (c *Connection) armIdleTimer() {
	c.idleID = c.timers.Add(c.id, c.cfg.IdleTimeout, c.onIdleTimeout)
}

func (c *Connection) resetIdleTimer() {
	c.timers.Cancel(c.idleID)
	c.armIdleTimer()
}

func (c *Connection) onIdleTimeout() {
	c.log.Warn("peer: idle timeout", zap.String("conn", c.id))
	c.die(errors.New("peer: idle timeout"))
}

func (c *Connection) writeMessage(m wire.Message) error {
	c.log.Debug("peer: sending message", zap.String("conn", c.id), zap.Uint8("kind", uint8(m.Kind)))
	return c.writeRaw(wire.Encode(m))
}

func (c *Connection) writeRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(frame)
	c.lastSent = time.Now()
	return err
}

func (c *Connection) die(err error) {
	if c.phase == Dead {
		return
	}
	c.log.Info("peer: connection dropped", zap.String("conn", c.id), zap.Error(err))
	c.phase = Dead
	c.timers.Cancel(c.keepAliveID)
	c.timers.Cancel(c.idleID)
	if c.sched != nil {
		c.sched.OnDisconnect()
	}
	c.react.Unregister(c)
	c.owner.Forget(c.id)
	close(c.stopped)
	_ = c.conn.Close()
}

// --- Outbound interface, consumed by Scheduler ---

func (c *Connection) SendRequest(ref BlockRef) error {
	return c.writeMessage(wire.Message{Kind: wire.Request, Index: ref.PieceIndex, Begin: ref.Begin, Length: ref.Length})
}

func (c *Connection) SendCancel(ref BlockRef) error {
	return c.writeMessage(wire.Message{Kind: wire.Cancel, Index: ref.PieceIndex, Begin: ref.Begin, Length: ref.Length})
}

func (c *Connection) SendPiece(index, begin uint32, data []byte) error {
	return c.writeMessage(wire.Message{Kind: wire.Piece, Index: index, Begin: begin, Block: data})
}

func (c *Connection) SendChoke() error {
	return c.writeMessage(wire.Message{Kind: wire.Choke})
}

func (c *Connection) SendUnchoke() error {
	return c.writeMessage(wire.Message{Kind: wire.Unchoke})
}

func (c *Connection) SendInterested() error {
	return c.writeMessage(wire.Message{Kind: wire.Interested})
}

func (c *Connection) SendNotInterested() error {
	return c.writeMessage(wire.Message{Kind: wire.NotInterested})
}
