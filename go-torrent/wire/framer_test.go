package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_HandshakeThenMessages(t *testing.T) {
	var frames [][]byte
	f := NewFramer(func(data []byte) {
		frames = append(frames, append([]byte{}, data...))
	})

	hs := EncodeHandshake(Handshake{InfoHash: [20]byte{0xAA}, PeerID: [20]byte{0x42}})
	require.NoError(t, f.Feed(hs))
	require.Len(t, frames, 1)
	assert.Equal(t, HandshakeLen, len(frames[0]))
	assert.Equal(t, 0, f.Buffered())

	f.DoneHandshake()
	choke := Encode(Message{Kind: Choke})
	unchoke := Encode(Message{Kind: Unchoke})
	require.NoError(t, f.Feed(append(choke, unchoke...)))
	require.Len(t, frames, 3)

	m1, err := Decode(frames[1])
	require.NoError(t, err)
	assert.Equal(t, Choke, m1.Kind)
	m2, err := Decode(frames[2])
	require.NoError(t, err)
	assert.Equal(t, Unchoke, m2.Kind)
}

func TestFramer_PartialFeeds(t *testing.T) {
	var frames [][]byte
	f := NewFramer(func(data []byte) {
		frames = append(frames, append([]byte{}, data...))
	})
	f.DoneHandshake()

	full := Encode(Message{Kind: Request, Index: 3, Begin: 0, Length: 16384})
	for _, b := range full {
		require.NoError(t, f.Feed([]byte{b}))
	}
	require.Len(t, frames, 1)
	m, err := Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, Request, m.Kind)
	assert.EqualValues(t, 3, m.Index)
	assert.EqualValues(t, 16384, m.Length)
}

func TestFramer_KeepAlive(t *testing.T) {
	var got []Message
	f := NewFramer(func(data []byte) {
		m, err := Decode(data)
		require.NoError(t, err)
		got = append(got, m)
	})
	f.DoneHandshake()
	require.NoError(t, f.Feed([]byte{0, 0, 0, 0}))
	require.Len(t, got, 1)
	assert.Equal(t, KeepAlive, got[0].Kind)
}

func TestFramer_FrameTooLong(t *testing.T) {
	f := NewFramer(func([]byte) {})
	f.DoneHandshake()
	oversize := make([]byte, 4)
	putUint32(oversize, MaxFrameLen+1)
	err := f.Feed(oversize)
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestFramer_ResidualInvariant(t *testing.T) {
	f := NewFramer(func([]byte) {})
	f.DoneHandshake()
	msg := Encode(Message{Kind: Have, Index: 7})
	require.NoError(t, f.Feed(msg[:len(msg)-2]))
	assert.Equal(t, len(msg)-2, f.Buffered())
}

func TestFramer_Clear(t *testing.T) {
	f := NewFramer(func([]byte) {})
	f.DoneHandshake()
	require.NoError(t, f.Feed([]byte{0, 0, 0, 5, 1, 2, 3}))
	assert.NotZero(t, f.Buffered())
	f.Clear()
	assert.Zero(t, f.Buffered())
}
