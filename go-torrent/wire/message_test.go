package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		{Kind: KeepAlive},
		{Kind: Choke},
		{Kind: Unchoke},
		{Kind: Interested},
		{Kind: NotInterested},
		{Kind: Have, Index: 42},
		{Kind: BitfieldMsg, Bitfield: []byte{0xFF, 0x00}},
		{Kind: Request, Index: 3, Begin: 0, Length: 16384},
		{Kind: Cancel, Index: 3, Begin: 0, Length: 16384},
		{Kind: Piece, Index: 3, Begin: 0, Block: []byte("hello world")},
	}
	for _, m := range cases {
		frame := Encode(m)
		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, m.Kind, got.Kind)
		assert.Equal(t, m.Index, got.Index)
		assert.Equal(t, m.Begin, got.Begin)
		assert.Equal(t, m.Length, got.Length)
		assert.Equal(t, m.Block, got.Block)
		assert.Equal(t, m.Bitfield, got.Bitfield)
	}
}

func TestDecode_UnknownIDIsNonFatal(t *testing.T) {
	frame := beFrame([]byte{200})
	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrUnknownMessageID)
}

func TestDecode_RequestTooLarge(t *testing.T) {
	m := Message{Kind: Request, Index: 0, Begin: 0, Length: MaxRequestLength + 1}
	_, err := Decode(Encode(m))
	assert.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{InfoHash: [20]byte{0xAA, 0xBB}, PeerID: [20]byte{0x01, 0x02}}
	frame := EncodeHandshake(h)
	require.Len(t, frame, HandshakeLen)
	got, err := DecodeHandshake(frame)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandshake_BadProtocol(t *testing.T) {
	frame := EncodeHandshake(Handshake{})
	frame[5] = 'X'
	_, err := DecodeHandshake(frame)
	assert.Error(t, err)
}
