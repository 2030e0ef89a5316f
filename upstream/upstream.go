// Package upstream owns the single DNS-over-TLS connection shared by every
// client query.
//
// Writes are serialized by one lock so frames never interleave on the wire;
// exactly one read loop per connection decodes frames and hands answers to
// the correlation table. The connection is opened lazily by the first Send,
// concurrent senders share that one attempt, and any I/O error tears the
// connection down so the next Send opens a new one after a bounded backoff.
package upstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/model"
	"github.com/treemana/dotproxy/table"
)

const (
	defaultWriteTimeout   = 5 * time.Second
	defaultMinBackoff     = 100 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMaxAttempts    = 5
	defaultDeliveryBuffer = 256

	readBufferSize = 16 * 1024
)

var (
	ErrUpstreamWrite = errors.New("upstream write failed")
	ErrUpstreamRead  = errors.New("upstream read failed")
	ErrConnect       = errors.New("upstream connect failed")
	ErrClosed        = errors.New("upstream closed")
)

// Dialer opens an established TLS connection to the resolver.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
}

type Config struct {
	Dialer Dialer

	// Name identifies the resolver in logs.
	Name string

	// WriteTimeout bounds one frame write, 0 picks the default and a
	// negative value disables it.
	WriteTimeout time.Duration

	// MinBackoff and MaxBackoff bound the wait between failed connection
	// attempts, doubling from one to the other.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxAttempts consecutive failed attempts are reported as a
	// persistent failure.
	MaxAttempts int

	DeliveryBuffer int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = defaultMaxBackoff
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.DeliveryBuffer <= 0 {
		c.DeliveryBuffer = defaultDeliveryBuffer
	}
	return c
}

// State of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters.
type Stats struct {
	Connects        uint64
	ConnectFailures uint64
	Disconnects     uint64
	Malformed       uint64
	Unmatched       uint64
	Delivered       uint64
}

type UpStream struct {
	cfg   Config
	table *table.Table

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     net.Conn
	gen      uint64
	failures int       // consecutive failed connection attempts
	retryAt  time.Time // no attempt before

	wmu   sync.Mutex
	group singleflight.Group

	deliveries chan *model.Delivery
	failed     chan uint64

	readWG    sync.WaitGroup
	closeOnce sync.Once

	connects        atomic.Uint64
	connectFailures atomic.Uint64
	disconnects     atomic.Uint64
	malformed       atomic.Uint64
	unmatched       atomic.Uint64
	delivered       atomic.Uint64
}

func New(cfg Config, tb *table.Table) (*UpStream, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("nil dialer")
	}
	if tb == nil {
		return nil, errors.New("nil table")
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &UpStream{
		cfg:        cfg,
		table:      tb,
		ctx:        ctx,
		cancel:     cancel,
		deliveries: make(chan *model.Delivery, cfg.DeliveryBuffer),
		failed:     make(chan uint64, 1),
	}, nil
}

// Deliveries carries answers matched to a pending query, with the client's
// original ID restored. It is closed by Close.
func (s *UpStream) Deliveries() <-chan *model.Delivery {
	return s.deliveries
}

// Failures carries the generation of the latest connection lost after
// carrying queries. Older generations are coalesced into newer ones.
func (s *UpStream) Failures() <-chan uint64 {
	return s.failed
}

func (s *UpStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *UpStream) Stats() Stats {
	return Stats{
		Connects:        s.connects.Load(),
		ConnectFailures: s.connectFailures.Load(),
		Disconnects:     s.disconnects.Load(),
		Malformed:       s.malformed.Load(),
		Unmatched:       s.unmatched.Load(),
		Delivered:       s.delivered.Load(),
	}
}

// Close tears the connection down, releases senders waiting for a
// connection with ErrClosed, waits for the read loop and closes Deliveries.
func (s *UpStream) Close() error {
	s.closeOnce.Do(func() {
		log.Sugar.Info("upstream stopping")
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = Disconnected
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		s.readWG.Wait()
		close(s.deliveries)
		log.Sugar.Info("upstream stopped")
	})
	return nil
}

func (s *UpStream) closed() bool {
	return s.ctx.Err() != nil
}
