package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defddr/bitwave/go-torrent/piece"
	"github.com/defddr/bitwave/go-torrent/reactor"
	"github.com/defddr/bitwave/go-torrent/stats"
	"github.com/defddr/bitwave/go-torrent/storage"
	"github.com/defddr/bitwave/go-torrent/timer"
	"github.com/defddr/bitwave/go-torrent/wire"
)

type fakeOwner struct {
	peerID     [20]byte
	bd         *piece.BitData
	dispatcher piece.DownloadDispatcher
	cache      storage.Cache
	infoHash   [20]byte
}

func (f *fakeOwner) Resolve(infoHash [20]byte) (*piece.BitData, piece.DownloadDispatcher, storage.Cache, bool) {
	if infoHash != f.infoHash {
		return nil, nil, nil, false
	}
	return f.bd, f.dispatcher, f.cache, true
}
func (f *fakeOwner) BroadcastHave(infoHash [20]byte, fromConnID string, pieceIndex int) {}
func (f *fakeOwner) LocalPeerID() [20]byte                                              { return f.peerID }
func (f *fakeOwner) Forget(connID string)                                              {}
func (f *fakeOwner) Rates() stats.Tracker                                              { return nil }

func TestConnection_OutboundHandshakeThenBitfield(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	infoHash := [20]byte{9, 9, 9}
	bd := piece.NewBitData(infoHash, 4, 16384, 16384, 4*16384)
	dispatcher := piece.NewRarestFirstDispatcher(bd)

	react := reactor.New(16, nil)
	stop := make(chan struct{})
	defer close(stop)
	go react.Run(stop)

	timers := timer.NewService(func(connID string, fn func()) { react.Post(connID, fn) })
	owner := &fakeOwner{peerID: [20]byte{1}, bd: bd, dispatcher: dispatcher, infoHash: infoHash}

	c := NewOutbound("remote-addr", local, infoHash, owner, react, timers, NewUploadDispatcher(nil, 1), NewConfig(), nil)

	remoteHandshake := make(chan wire.Handshake, 1)
	remoteFirstMsg := make(chan wire.Message, 1)
	go func() {
		buf := make([]byte, wire.HandshakeLen)
		n, err := readFull(remote, buf)
		if err != nil || n != wire.HandshakeLen {
			return
		}
		hs, err := wire.DecodeHandshake(buf)
		if err != nil {
			return
		}
		remoteHandshake <- hs

		reply := wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{2}})
		remote.Write(reply)

		// The first message after the handshake must be our bitfield; reading
		// it also unblocks the connection's write over the synchronous pipe.
		header := make([]byte, 4)
		if _, err := readFull(remote, header); err != nil {
			return
		}
		body := make([]byte, int(header[0])<<24|int(header[1])<<16|int(header[2])<<8|int(header[3]))
		if _, err := readFull(remote, body); err != nil {
			return
		}
		if m, err := wire.Decode(append(header, body...)); err == nil {
			remoteFirstMsg <- m
		}
	}()

	require.NoError(t, c.Start())

	select {
	case hs := <-remoteHandshake:
		assert.Equal(t, infoHash, hs.InfoHash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	select {
	case m := <-remoteFirstMsg:
		assert.Equal(t, wire.BitfieldMsg, m.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bitfield")
	}

	phaseCh := make(chan Phase, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		done := make(chan struct{})
		react.Post("remote-addr", func() {
			select {
			case phaseCh <- c.phase:
			default:
			}
			close(done)
		})
		<-done
		select {
		case p := <-phaseCh:
			if p == Ready {
				assert.Equal(t, Ready, p)
				return
			}
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection never reached Ready")
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
