package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/model"
	"github.com/treemana/dotproxy/table"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultSweepInterval = time.Second
	defaultMaxInflight   = 1024

	// headerLen is the fixed DNS header, anything shorter is not a query
	headerLen = 12

	maxDatagram = 64 * 1024
)

var ErrBind = errors.New("bind failed")

// Forwarder carries queries to the resolver and answers back.
type Forwarder interface {
	Send(ctx context.Context, f []byte) (uint64, error)
	Deliveries() <-chan *model.Delivery
	Failures() <-chan uint64
}

type Config struct {
	Address string `json:"address"`
	Port    int    `json:"port"`

	// SweepInterval is the period of the timeout sweeper.
	SweepInterval time.Duration `json:"sweep_interval"`

	Retry     model.RetryPolicy   `json:"retry"`
	OnTimeout model.TimeoutPolicy `json:"on_timeout"`

	// MaxInflight bounds the datagrams being handled at once.
	MaxInflight int64 `json:"max_inflight"`

	// QPS limits accepted queries per second, 0 disables the limit.
	QPS   float64 `json:"qps"`
	Burst int     `json:"burst"`
}

func (c Config) withDefaults() (Config, error) {
	if net.ParseIP(c.Address) == nil {
		return c, fmt.Errorf("invalid address=%q", c.Address)
	}
	if c.Port < 0 || c.Port > 65535 {
		return c, fmt.Errorf("invalid port=%d", c.Port)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = defaultMaxInflight
	}
	if c.QPS < 0 {
		return c, fmt.Errorf("invalid qps=%f", c.QPS)
	}
	if c.QPS > 0 && c.Burst <= 0 {
		c.Burst = int(c.QPS) + 1
	}

	var err error
	if c.Retry, err = model.ParseRetryPolicy(string(c.Retry)); err != nil {
		return c, err
	}
	if c.OnTimeout, err = model.ParseTimeoutPolicy(string(c.OnTimeout)); err != nil {
		return c, err
	}
	return c, nil
}

// Stats are cumulative counters.
type Stats struct {
	Received    uint64
	Malformed   uint64
	RateLimited uint64
	Exhausted   uint64
	Forwarded   uint64
	Dropped     uint64
	Answered    uint64
	TimedOut    uint64
}

type stats struct {
	received    atomic.Uint64
	malformed   atomic.Uint64
	rateLimited atomic.Uint64
	exhausted   atomic.Uint64
	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	answered    atomic.Uint64
	timedOut    atomic.Uint64
}

type Server struct {
	cfg     Config
	address *net.UDPAddr
	conn    *net.UDPConn

	mu     sync.Mutex
	status atomic.Bool // running status

	table   *table.Table
	fwd     Forwarder
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ctx      context.Context // handlers
	cancelFn context.CancelFunc

	sweepCancel context.CancelFunc

	readWG  sync.WaitGroup
	reqWG   sync.WaitGroup
	respWG  sync.WaitGroup
	sweepWG sync.WaitGroup

	serial atomic.Uint64
	stats  stats
}

func New(cfg Config, tb *table.Table, fwd Forwarder) (*Server, error) {
	if tb == nil || fwd == nil {
		return nil, errors.New("nil table or forwarder")
	}

	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		address: &net.UDPAddr{IP: net.ParseIP(cfg.Address), Port: cfg.Port},
		table:   tb,
		fwd:     fwd,
		sem:     semaphore.NewWeighted(cfg.MaxInflight),
	}

	if cfg.QPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	}

	if err = s.setConn(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}

	s.ctx, s.cancelFn = context.WithCancel(context.Background())

	return s, nil
}

// Addr is the bound address, useful when Port was 0.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Stats() Stats {
	return Stats{
		Received:    s.stats.received.Load(),
		Malformed:   s.stats.malformed.Load(),
		RateLimited: s.stats.rateLimited.Load(),
		Exhausted:   s.stats.exhausted.Load(),
		Forwarded:   s.stats.forwarded.Load(),
		Dropped:     s.stats.dropped.Load(),
		Answered:    s.stats.answered.Load(),
		TimedOut:    s.stats.timedOut.Load(),
	}
}

func (s *Server) Start() {

	s.status.Store(true)

	s.readWG.Add(1)
	go s.read()

	s.respWG.Add(1)
	go s.write()

	var ctx context.Context
	ctx, s.sweepCancel = context.WithCancel(context.Background())
	s.sweepWG.Add(1)
	go s.sweeper(ctx)

	log.Sugar.Infof("server running on %s ...", s.Addr())

}

// StopRead stops accepting datagrams and waits for every handler.
func (s *Server) StopRead() {
	log.Sugar.Info("server read stopping")

	s.mu.Lock()
	s.status.Store(false)
	s.mu.Unlock()

	// unblock the read loop, also when it waits for a free handler
	_ = s.conn.SetReadDeadline(time.Now())
	s.cancelFn()
	s.readWG.Wait()
	log.Sugar.Info("server read stopped")

	log.Sugar.Info("server waiting all request done")
	s.reqWG.Wait()
	log.Sugar.Infof("server requests done, serial=%d", s.serial.Load())
}

// StopWrite waits for the forwarder to close its deliveries, stops the
// sweeper and closes the socket.
func (s *Server) StopWrite() {

	log.Sugar.Info("server write stopping")

	s.respWG.Wait()
	log.Sugar.Info("server write stopped")

	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	s.sweepWG.Wait()
	log.Sugar.Info("server sweeper stopped")

	if err := s.conn.Close(); err != nil {
		log.Sugar.Errorf("server udp connection close error=[%+v]", err)
	}

	st := s.Stats()
	log.Sugar.Infof("server stats received=%d forwarded=%d answered=%d timed_out=%d dropped=%d malformed=%d rate_limited=%d exhausted=%d",
		st.Received, st.Forwarded, st.Answered, st.TimedOut, st.Dropped, st.Malformed, st.RateLimited, st.Exhausted)
}

func (s *Server) setConn() error {
	var err error
	if s.conn, err = net.ListenUDP("udp", s.address); err != nil {
		log.Sugar.Errorf("server udp [%s] listen error=[%+v]", s.address, err)
		return err
	}

	return nil
}
