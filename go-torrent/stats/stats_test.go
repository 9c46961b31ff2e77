package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTracker_PeerRatesAverageOverWindow(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	tr.UpdatePeer("peerA", 100, 200)

	rates := tr.PeerRates()
	require.Contains(t, rates, "peerA")
	assert.Equal(t, 100/rollingWindow, rates["peerA"].UploadRate)
	assert.Equal(t, 200/rollingWindow, rates["peerA"].DownloadRate)
}

func TestTracker_ClientTotalsAccumulate(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	tr.UpdatePeer("peerA", 50, 75)
	tr.PeerRates()
	tr.UpdatePeer("peerA", 10, 5)
	tr.PeerRates()

	up, down := tr.ClientTotals()
	assert.EqualValues(t, 60, up)
	assert.EqualValues(t, 80, down)
}

func TestTracker_RemovePeerDropsIt(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	tr.UpdatePeer("peerA", 1, 1)
	tr.RemovePeer("peerA")

	rates := tr.PeerRates()
	assert.NotContains(t, rates, "peerA")
}
