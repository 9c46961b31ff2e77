package peer

import (
	"go.uber.org/zap"

	"github.com/defddr/bitwave/go-torrent/bitfield"
	"github.com/defddr/bitwave/go-torrent/piece"
	"github.com/defddr/bitwave/go-torrent/stats"
	"github.com/defddr/bitwave/go-torrent/storage"
	"github.com/defddr/bitwave/go-torrent/timer"
)

// Outbound is the subset of wire sends the scheduler drives directly. The
// connection engine implements it (spec.md §4.5); the scheduler never talks
// to net.Conn or wire.Framer itself.
type Outbound interface {
	SendRequest(ref BlockRef) error
	SendCancel(ref BlockRef) error
	SendPiece(index, begin uint32, data []byte) error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
}

// Scheduler is the per-connection Request Scheduler of spec.md §4.4: it
// owns the fill policy, per-request timeouts, choke/cancel handling, upload
// serving, bitfield-driven interest recomputation, and the piece-completion
// hooks. One Scheduler exists per connection; every method must be called
// from that connection's single-threaded context (spec.md §5).
type Scheduler struct {
	connID string
	state  *State
	bd     *piece.BitData
	out    Outbound
	cfg    Config

	dispatcher piece.DownloadDispatcher
	cache      storage.Cache
	upload     *UploadDispatcher
	timers     *timer.Service
	rates      stats.Tracker // nil-safe: a zero-value Scheduler tracks no rates
	log        *zap.Logger

	// post wraps any callback the scheduler hands to cache/upload/timers
	// before it is safe to touch connection state (spec.md §5's posting
	// discipline). The connection engine supplies this, bound to connID.
	post func(func())

	pending map[BlockRef]timer.ID
}

// NewScheduler builds a Scheduler for one connection. bd is the shared
// per-torrent BitData; dispatcher and cache are shared across every
// connection for the torrent; post must route calls back into this
// connection's single-threaded context. rates may be nil if the swarm-rate
// choke policy hook is not in use. log may be nil, in which case the
// scheduler logs nothing.
//
// The Scheduler subscribes itself to bd.Downloading so that a piece
// completing or failing purges this connection's own wait_request/
// requesting_list entries for that piece regardless of which connection
// actually delivered the completing block (spec.md §4.4's piece-completion
// hook). OnDisconnect unsubscribes it.
func NewScheduler(connID string, state *State, bd *piece.BitData, out Outbound, cfg Config,
	dispatcher piece.DownloadDispatcher, cache storage.Cache, upload *UploadDispatcher,
	timers *timer.Service, rates stats.Tracker, post func(func()), log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		connID:     connID,
		state:      state,
		bd:         bd,
		out:        out,
		cfg:        cfg,
		dispatcher: dispatcher,
		cache:      cache,
		upload:     upload,
		timers:     timers,
		rates:      rates,
		log:        log,
		post:       post,
		pending:    make(map[BlockRef]timer.ID),
	}
	bd.Downloading.Subscribe(connID, s)
	return s
}

// OnBitfield handles an inbound bitfield message: replaces the peer's known
// bitfield, informs the dispatcher, recomputes interest, and fills the
// pipeline.
func (s *Scheduler) OnBitfield(bf *bitfield.Bitfield) error {
	s.state.PeerBitfield = bf
	s.dispatcher.PeerBitfield(s.connID, bf)
	if err := s.recomputeInterest(); err != nil {
		return err
	}
	return s.Fill()
}

// OnHave handles an inbound have message.
func (s *Scheduler) OnHave(index uint32) error {
	s.state.PeerBitfield.Set(int(index), true)
	s.dispatcher.PeerHave(s.connID, int(index))
	if err := s.recomputeInterest(); err != nil {
		return err
	}
	return s.Fill()
}

// recomputeInterest applies spec.md §3's invariant: am_interested is true
// iff the peer has a piece the local side lacks. It sends interested /
// not_interested only on a transition.
func (s *Scheduler) recomputeInterest() error {
	needs := s.state.NeedsFrom(s.bd.Local)
	if needs == s.state.Conn.AmInterested {
		return nil
	}
	s.state.Conn.AmInterested = needs
	if needs {
		return s.out.SendInterested()
	}
	return s.out.SendNotInterested()
}

// OnChoke handles an inbound choke: every in-flight and queued outbound
// request is returned to the dispatcher, and their timers canceled.
func (s *Scheduler) OnChoke() {
	s.state.Conn.PeerChoking = true
	s.cancelAllPending()
	waited := s.state.WaitRequest.Clear()
	s.returnBlocks(append(s.drainRequestingRefs(), waited...))
}

// OnUnchoke handles an inbound unchoke: the pipeline may now be filled.
func (s *Scheduler) OnUnchoke() error {
	s.state.Conn.PeerChoking = false
	return s.Fill()
}

// OnInterested/OnNotInterested record the peer's interest flag; the choke
// policy that reacts to it is a consumed hook out of this package's scope
// (spec.md §1).
func (s *Scheduler) OnInterested()    { s.state.Conn.PeerInterested = true }
func (s *Scheduler) OnNotInterested() { s.state.Conn.PeerInterested = false }

// OnRequest handles an inbound request (upload path): queues it and, if the
// peer is currently unchoked, begins serving it. A request for more than
// cfg.MaxRequestLength is a protocol fault (spec.md §7) and is silently
// dropped rather than served.
func (s *Scheduler) OnRequest(ref BlockRef) {
	if ref.Length > s.cfg.MaxRequestLength {
		return
	}
	s.state.PeerRequest.Append(ref)
	s.serveUploads()
}

// OnCancel handles an inbound cancel: removes the matching queued request,
// if still pending.
func (s *Scheduler) OnCancel(ref BlockRef) {
	s.state.PeerRequest.RemoveByRef(ref)
}

// serveUploads dispatches every queued upload request while the local side
// is not choking the peer.
func (s *Scheduler) serveUploads() {
	if s.state.Conn.AmChoking {
		return
	}
	for {
		ref, ok := s.state.PeerRequest.PopFront()
		if !ok {
			return
		}
		s.pushUpload(ref)
	}
}

func (s *Scheduler) pushUpload(ref BlockRef) {
	s.upload.PushUploadRequest(ref, func(data []byte, err error) {
		s.post(func() {
			if err != nil || s.state.Conn.AmChoking {
				return
			}
			if err := s.out.SendPiece(ref.PieceIndex, ref.Begin, data); err == nil && s.rates != nil {
				s.rates.UpdatePeer(s.connID, len(data), 0)
			}
		})
	})
}

// SetChoking updates the local choking flag and, on a false->true
// transition, fails every queued inbound request (BEP-3: a choked peer's
// pending requests are discarded, not served later).
func (s *Scheduler) SetChoking(choking bool) error {
	if s.state.Conn.AmChoking == choking {
		return nil
	}
	s.state.Conn.AmChoking = choking
	if choking {
		s.state.PeerRequest.Clear()
		return s.out.SendChoke()
	}
	err := s.out.SendUnchoke()
	s.serveUploads()
	return err
}

// Fill tops wait_request up from the dispatcher and drains it into
// requesting_list, sending a wire request and arming a timeout for each
// block actually sent (spec.md §4.4).
func (s *Scheduler) Fill() error {
	if s.state.Conn.PeerChoking || !s.state.Conn.AmInterested {
		return nil
	}
	for s.state.WaitRequest.Len()+s.state.RequestingList.Len() < s.cfg.PipelineDepth {
		specs := s.dispatcher.NextBlocks(s.connID, s.state.PeerBitfield, 1)
		if len(specs) == 0 {
			break
		}
		for _, sp := range specs {
			s.state.WaitRequest.Append(fromBlockSpec(sp))
		}
	}
	for s.state.RequestingList.Len() < s.cfg.PipelineDepth {
		ref, ok := s.state.WaitRequest.PopFront()
		if !ok {
			break
		}
		if err := s.out.SendRequest(ref); err != nil {
			return err
		}
		s.state.RequestingList.Append(ref)
		s.armTimeout(ref)
	}
	return nil
}

func (s *Scheduler) armTimeout(ref BlockRef) {
	id := s.timers.Add(s.connID, s.cfg.RequestTimeout, func() { s.onRequestTimeout(ref) })
	s.pending[ref] = id
}

func (s *Scheduler) disarmTimeout(ref BlockRef) {
	if id, ok := s.pending[ref]; ok {
		s.timers.Cancel(id)
		delete(s.pending, ref)
	}
}

func (s *Scheduler) cancelAllPending() {
	for ref, id := range s.pending {
		s.timers.Cancel(id)
		delete(s.pending, ref)
	}
}

func (s *Scheduler) onRequestTimeout(ref BlockRef) {
	delete(s.pending, ref)
	if !s.state.RequestingList.RemoveByRef(ref) {
		return
	}
	s.log.Warn("peer: request timed out", zap.String("conn", s.connID), zap.Uint32("piece", ref.PieceIndex), zap.Uint32("begin", ref.Begin))
	s.returnBlocks([]BlockRef{ref})
	_ = s.Fill()
}

func (s *Scheduler) drainRequestingRefs() []BlockRef {
	return s.state.RequestingList.Clear()
}

func (s *Scheduler) returnBlocks(refs []BlockRef) {
	if len(refs) == 0 {
		return
	}
	specs := make([]piece.BlockSpec, len(refs))
	for i, r := range refs {
		specs[i] = toBlockSpec(r)
	}
	s.dispatcher.ReturnBlocks(s.connID, specs)
}

// OnPiece handles an inbound piece message: clears the matching pending
// request (if any — unsolicited or already-timed-out pieces are accepted
// and simply not double-counted, per spec.md §9), persists the block, and
// informs the dispatcher and downloading-info observers of progress.
func (s *Scheduler) OnPiece(ref BlockRef, data []byte) {
	if s.state.RequestingList.RemoveByRef(ref) {
		s.disarmTimeout(ref)
	} else {
		s.state.WaitRequest.RemoveByRef(ref)
	}
	if s.rates != nil {
		s.rates.UpdatePeer(s.connID, 0, len(data))
	}

	s.bd.Downloading.FireDownloadingNewPiece(int(ref.PieceIndex))

	s.cache.WriteBlock(int(ref.PieceIndex), int64(ref.Begin), data, func(pieceDone, verified bool, err error) {
		s.post(func() {
			if err != nil {
				return
			}
			if !pieceDone {
				return
			}
			if verified {
				s.bd.Local.Set(int(ref.PieceIndex), true)
				s.bd.Downloading.FireCompleteNewPiece(int(ref.PieceIndex))
			} else {
				s.log.Warn("peer: piece failed checksum verification", zap.Uint32("piece", ref.PieceIndex))
				s.bd.Downloading.FireDownloadingFailed(int(ref.PieceIndex))
			}
		})
	})

	s.dispatcher.DeliverBlock(s.connID, ref.PieceIndex, ref.Begin, len(data))
	_ = s.Fill()
}

// OnDisconnect releases every outstanding request and timer; called once
// by the connection engine as it tears down.
func (s *Scheduler) OnDisconnect() {
	s.bd.Downloading.Unsubscribe(s.connID)
	s.cancelAllPending()
	s.dispatcher.PeerGone(s.connID)
	if s.rates != nil {
		s.rates.RemovePeer(s.connID)
	}
}

// DownloadingNewPiece implements piece.Observer. A piece only just starting
// to download needs no purge on this connection.
func (s *Scheduler) DownloadingNewPiece(pieceIndex int) {}

// CompleteNewPiece implements piece.Observer (spec.md §4.4's piece-
// completion hook): purges this connection's own wait_request/
// requesting_list entries for pieceIndex, cancelling their timers, then
// recomputes interest and refills — independent of which connection's block
// actually completed the piece.
func (s *Scheduler) CompleteNewPiece(pieceIndex int) {
	s.purgePiece(uint32(pieceIndex))
	if err := s.recomputeInterest(); err != nil {
		return
	}
	_ = s.Fill()
}

// DownloadingFailed implements piece.Observer: the scheduler drops any
// remaining requests for the failed piece (spec.md §4.4) so the dispatcher's
// reset bookkeeping isn't immediately undone by a stale in-flight request.
func (s *Scheduler) DownloadingFailed(pieceIndex int) {
	s.purgePiece(uint32(pieceIndex))
	_ = s.Fill()
}

// purgePiece removes every wait_request/requesting_list entry for
// pieceIndex, cancelling the timeout of any that were already in flight.
func (s *Scheduler) purgePiece(pieceIndex uint32) {
	for _, ref := range s.state.RequestingList.RemoveByPiece(pieceIndex) {
		s.disarmTimeout(ref)
	}
	s.state.WaitRequest.RemoveByPiece(pieceIndex)
}

func toBlockSpec(r BlockRef) piece.BlockSpec {
	return piece.BlockSpec{PieceIndex: r.PieceIndex, Begin: r.Begin, Length: r.Length}
}

func fromBlockSpec(b piece.BlockSpec) BlockRef {
	return BlockRef{PieceIndex: b.PieceIndex, Begin: b.Begin, Length: b.Length}
}
