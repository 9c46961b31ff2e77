// Command bitwave-peerstub is a runnable demo Owner wiring this module's
// packages together: reactor, timer service, disk cache,
// download/upload dispatchers, peer state, the connection engine and
// request scheduler, the listener, swarm-rate tracking, and the choke
// policy. The bufpool package is not used here. It seeds a synthetic in-memory torrent of deterministic random
// content so the whole stack can be exercised without a real .torrent file
// or tracker — both explicitly out of scope for the core (spec.md §1).
//
// Grounded on the teacher's main.go wiring sequence and on
// peerwire/cmd/peerstub's synthetic single-peer demo from the rest of the
// retrieval pack.
package main

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"flag"
	mathrand "math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/defddr/bitwave/go-torrent/peer"
	"github.com/defddr/bitwave/go-torrent/piece"
	"github.com/defddr/bitwave/go-torrent/reactor"
	"github.com/defddr/bitwave/go-torrent/server"
	"github.com/defddr/bitwave/go-torrent/stats"
	"github.com/defddr/bitwave/go-torrent/storage"
	"github.com/defddr/bitwave/go-torrent/timer"
)

func main() {
	numPieces := flag.Int("pieces", 8, "number of pieces in the synthetic torrent")
	pieceLen := flag.Int("piece-len", 16384, "piece length in bytes")
	dial := flag.String("dial", "", "optional host:port of another bitwave-peerstub to connect to")
	sequential := flag.Bool("sequential", false, "use the sequential dispatcher instead of rarest-first")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var peerID [20]byte
	if _, err := rand.Read(peerID[:]); err != nil {
		log.Fatal("generate peer id", zap.Error(err))
	}

	bd, hashes, content := synthesizeTorrent(*numPieces, *pieceLen)
	cache, err := seedCache(bd, hashes, content, log)
	if err != nil {
		log.Fatal("seed cache", zap.Error(err))
	}
	for i := 0; i < bd.NumPieces; i++ {
		bd.Local.Set(i, true)
	}

	var dispatcher piece.DownloadDispatcher
	if *sequential {
		dispatcher = piece.NewSequentialDispatcher(bd)
	} else {
		dispatcher = piece.NewRarestFirstDispatcher(bd)
	}

	react := reactor.New(256, log)
	stop := make(chan struct{})
	go react.Run(stop)
	defer close(stop)

	timers := timer.NewService(react.Post)
	upload := peer.NewUploadDispatcher(cache, 8)
	rates := stats.NewTracker(log)
	cfg := peer.NewConfig()

	mgr := peer.NewManager(peerID, react, timers, upload, rates, cfg, log)
	mgr.AddTorrent(bd.InfoHash, bd, dispatcher, cache)

	choke := peer.NewChokePolicy(mgr, rates, log, true)
	chokeStop := make(chan struct{})
	go choke.Run(chokeStop)
	defer close(chokeStop)

	srv, err := server.Listen(mgr, log)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}
	go srv.Serve()
	defer srv.Stop()

	log.Info("bitwave-peerstub listening",
		zap.Int("port", srv.Port()),
		zap.String("info_hash", infoHashHex(bd.InfoHash)),
		zap.Int("pieces", bd.NumPieces))

	if *dial != "" {
		if err := mgr.Dial(*dial, bd.InfoHash); err != nil {
			log.Warn("dial failed", zap.String("addr", *dial), zap.Error(err))
		}
	}

	waitForSignal()
	log.Info("shutting down")
}

// synthesizeTorrent builds a BitData and its piece hashes for deterministic
// random content, since metainfo parsing (turning a real .torrent file into
// these fields) is out of core scope (spec.md §1).
func synthesizeTorrent(numPieces, pieceLen int) (*piece.BitData, [][20]byte, []byte) {
	total := int64(numPieces) * int64(pieceLen)
	content := make([]byte, total)
	if _, err := mathrand.New(mathrand.NewSource(1)).Read(content); err != nil {
		panic(err)
	}

	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := i * pieceLen
		end := start + pieceLen
		if end > len(content) {
			end = len(content)
		}
		hashes[i] = sha1.Sum(content[start:end])
	}

	full := sha1.Sum(content)
	bd := piece.NewBitData(full, numPieces, pieceLen, 1<<14, total)
	return bd, hashes, content
}

// seedCache opens a disk cache backed by an in-memory filesystem and fills
// it with content up front, so this process can act as a complete seeder
// without routing the fill through the normal WriteBlock/verify path (that
// path exists for data arriving from peers, not for a local seed).
func seedCache(bd *piece.BitData, hashes [][20]byte, content []byte, log *zap.Logger) (storage.Cache, error) {
	fs := afero.NewMemMapFs()
	cache, err := storage.NewDiskCache(fs, "/torrent.dat", bd, hashes, log)
	if err != nil {
		return nil, err
	}
	f, err := fs.OpenFile("/torrent.dat", os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteAt(content, 0); err != nil {
		return nil, err
	}
	return cache, nil
}

func infoHashHex(h [20]byte) string {
	return hex.EncodeToString(h[:])
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
