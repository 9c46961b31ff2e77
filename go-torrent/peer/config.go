package peer

import "time"

// Config is the small set of numeric tunables the connection engine and
// scheduler need (spec.md §4.4's pipeline depth, §4.5's keep-alive/idle
// intervals, §7's max request length), built with functional options rather
// than a file format — a handful of durations and one integer don't warrant
// a config-file parser.
type Config struct {
	// PipelineDepth caps outstanding block requests (wait_request plus
	// requesting_list) kept in flight per connection.
	PipelineDepth int
	// RequestTimeout is how long the scheduler waits for a requested block
	// before giving it back to the dispatcher. The core does not cancel the
	// request on the wire when this fires (spec.md §9's lenient-delivery
	// decision) — a late arrival is simply accepted and not double-counted.
	RequestTimeout time.Duration
	// KeepAliveInterval is how often a keep-alive is sent on an otherwise
	// idle connection.
	KeepAliveInterval time.Duration
	// IdleTimeout disconnects a peer that has sent nothing for this long.
	IdleTimeout time.Duration
	// MaxRequestLength rejects an inbound request for a block longer than
	// this (spec.md §7: a peer asking for an oversized block is a protocol
	// fault, not served).
	MaxRequestLength uint32
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithPipelineDepth overrides PipelineDepth.
func WithPipelineDepth(n int) Option { return func(c *Config) { c.PipelineDepth = n } }

// WithRequestTimeout overrides RequestTimeout.
func WithRequestTimeout(d time.Duration) Option { return func(c *Config) { c.RequestTimeout = d } }

// WithKeepAliveInterval overrides KeepAliveInterval.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Config) { c.KeepAliveInterval = d }
}

// WithIdleTimeout overrides IdleTimeout.
func WithIdleTimeout(d time.Duration) Option { return func(c *Config) { c.IdleTimeout = d } }

// WithMaxRequestLength overrides MaxRequestLength.
func WithMaxRequestLength(n uint32) Option { return func(c *Config) { c.MaxRequestLength = n } }

// NewConfig returns the default Config with opts applied on top.
func NewConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func defaultConfig() Config {
	return Config{
		PipelineDepth:     8,
		RequestTimeout:    60 * time.Second,
		KeepAliveInterval: 120 * time.Second,
		IdleTimeout:       180 * time.Second,
		MaxRequestLength:  32 * 1024,
	}
}
