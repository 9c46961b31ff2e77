package peer

import (
	"testing"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/defddr/bitwave/go-torrent/bitfield"
	"github.com/defddr/bitwave/go-torrent/piece"
	"github.com/defddr/bitwave/go-torrent/timer"
)

type mockOutbound struct{ mock.Mock }

func (m *mockOutbound) SendRequest(ref BlockRef) error {
	return m.Called(ref).Error(0)
}
func (m *mockOutbound) SendCancel(ref BlockRef) error {
	return m.Called(ref).Error(0)
}
func (m *mockOutbound) SendPiece(index, begin uint32, data []byte) error {
	return m.Called(index, begin, data).Error(0)
}
func (m *mockOutbound) SendChoke() error          { return m.Called().Error(0) }
func (m *mockOutbound) SendUnchoke() error        { return m.Called().Error(0) }
func (m *mockOutbound) SendInterested() error     { return m.Called().Error(0) }
func (m *mockOutbound) SendNotInterested() error  { return m.Called().Error(0) }

type mockDispatcher struct{ mock.Mock }

func (m *mockDispatcher) PeerHave(connID string, pieceIndex int) { m.Called(connID, pieceIndex) }
func (m *mockDispatcher) PeerBitfield(connID string, bf *bitfield.Bitfield) {
	m.Called(connID, bf)
}
func (m *mockDispatcher) PeerGone(connID string) { m.Called(connID) }
func (m *mockDispatcher) NextBlocks(connID string, peerBitfield *bitfield.Bitfield, maxCount int) []piece.BlockSpec {
	args := m.Called(connID, peerBitfield, maxCount)
	specs, _ := args.Get(0).([]piece.BlockSpec)
	return specs
}
func (m *mockDispatcher) ReturnBlocks(connID string, blocks []piece.BlockSpec) {
	m.Called(connID, blocks)
}
func (m *mockDispatcher) DeliverBlock(connID string, pieceIndex, begin uint32, length int) bool {
	return m.Called(connID, pieceIndex, begin, length).Bool(0)
}
func (m *mockDispatcher) Contributors(pieceIndex int) mapset.Set {
	args := m.Called(pieceIndex)
	s, _ := args.Get(0).(mapset.Set)
	if s == nil {
		return mapset.NewSet()
	}
	return s
}
func (m *mockDispatcher) ConfirmPiece(pieceIndex int) { m.Called(pieceIndex) }
func (m *mockDispatcher) ResetPiece(pieceIndex int)   { m.Called(pieceIndex) }

type mockCache struct{ mock.Mock }

func (m *mockCache) WriteBlock(pieceIndex int, begin int64, data []byte, done func(bool, bool, error)) {
	m.Called(pieceIndex, begin, data)
	done(true, true, nil)
}
func (m *mockCache) ReadBlock(pieceIndex int, begin, length int64, done func([]byte, error)) {
	m.Called(pieceIndex, begin, length)
	done(make([]byte, length), nil)
}

func newTestScheduler(t *testing.T) (*Scheduler, *mockOutbound, *mockDispatcher, *mockCache) {
	bd := piece.NewBitData([20]byte{1}, 4, 16384, 16384, 4*16384)
	state := NewState(bd.NumPieces)
	state.Conn.AmInterested = true
	state.Conn.PeerChoking = false
	state.PeerBitfield = bitfield.New(bd.NumPieces)
	for i := 0; i < bd.NumPieces; i++ {
		state.PeerBitfield.Set(i, true)
	}

	out := &mockOutbound{}
	disp := &mockDispatcher{}
	cache := &mockCache{}
	timers := timer.NewService(func(string, func()) {})
	upload := NewUploadDispatcher(cache, 4)

	s := NewScheduler("peerA", state, bd, out, NewConfig(), disp, cache, upload, timers, nil, func(fn func()) { fn() }, nil)
	return s, out, disp, cache
}

func TestScheduler_FillSendsUpToPipelineDepth(t *testing.T) {
	s, out, disp, _ := newTestScheduler(t)
	depth := s.cfg.PipelineDepth

	disp.On("NextBlocks", "peerA", mock.Anything, 1).Return(
		[]piece.BlockSpec{{PieceIndex: 0, Begin: 0, Length: 100}},
	).Times(depth)
	out.On("SendRequest", mock.Anything).Return(nil).Times(depth)

	require.NoError(t, s.Fill())
	assert.Equal(t, depth, s.state.RequestingList.Len())
	out.AssertExpectations(t)
}

func TestScheduler_OnChokeReturnsOutstandingBlocks(t *testing.T) {
	s, out, disp, _ := newTestScheduler(t)
	ref := BlockRef{PieceIndex: 0, Begin: 0, Length: 100}
	disp.On("NextBlocks", "peerA", mock.Anything, 1).Return([]piece.BlockSpec{{PieceIndex: ref.PieceIndex, Begin: ref.Begin, Length: ref.Length}}).Once()
	disp.On("NextBlocks", "peerA", mock.Anything, 1).Return(nil) // dispatcher has nothing further
	out.On("SendRequest", mock.Anything).Return(nil).Once()
	require.NoError(t, s.Fill())
	require.Equal(t, 1, s.state.RequestingList.Len())

	disp.On("ReturnBlocks", "peerA", mock.Anything).Return()
	s.OnChoke()

	assert.Equal(t, 0, s.state.RequestingList.Len())
	assert.True(t, s.state.Conn.PeerChoking)
	disp.AssertExpectations(t)
}

func TestScheduler_OnPieceCompletesPiece(t *testing.T) {
	s, _, disp, cache := newTestScheduler(t)
	ref := BlockRef{PieceIndex: 2, Begin: 0, Length: 4}

	disp.On("DeliverBlock", "peerA", ref.PieceIndex, ref.Begin, 4).Return(true)
	cache.On("WriteBlock", int(ref.PieceIndex), int64(ref.Begin), mock.Anything).Return()
	disp.On("NextBlocks", "peerA", mock.Anything, 1).Return(nil)

	var fired int
	s.bd.Downloading.Subscribe("t", testObserver{complete: func(i int) {
		fired = i
	}})

	s.OnPiece(ref, []byte{1, 2, 3, 4})

	assert.True(t, s.bd.Local.Has(int(ref.PieceIndex)))
	assert.Equal(t, int(ref.PieceIndex), fired)
	disp.AssertExpectations(t)
}

func TestScheduler_RecomputeInterestSendsNotInterestedOnceSatisfied(t *testing.T) {
	s, out, _, _ := newTestScheduler(t)
	for i := 0; i < s.bd.NumPieces; i++ {
		s.bd.Local.Set(i, true)
	}
	out.On("SendNotInterested").Return(nil).Once()

	require.NoError(t, s.recomputeInterest())
	assert.False(t, s.state.Conn.AmInterested)
	out.AssertExpectations(t)
}

type testObserver struct {
	newPiece func(int)
	complete func(int)
	failed   func(int)
}

func (o testObserver) DownloadingNewPiece(i int) {
	if o.newPiece != nil {
		o.newPiece(i)
	}
}
func (o testObserver) CompleteNewPiece(i int) {
	if o.complete != nil {
		o.complete(i)
	}
}
func (o testObserver) DownloadingFailed(i int) {
	if o.failed != nil {
		o.failed(i)
	}
}
