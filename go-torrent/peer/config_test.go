package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig_DefaultsThenOverrides(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 8, cfg.PipelineDepth)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)

	cfg = NewConfig(WithPipelineDepth(16), WithRequestTimeout(30*time.Second))
	assert.Equal(t, 16, cfg.PipelineDepth)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 120*time.Second, cfg.KeepAliveInterval) // untouched default
}
