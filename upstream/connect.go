package upstream

import (
	"fmt"
	"net"
	"time"

	"github.com/treemana/dotproxy/log"
)

// connect runs at most once at a time, callers share it through the
// singleflight group.
func (s *UpStream) connect() (session, error) {
	s.mu.Lock()
	if s.conn != nil {
		ss := session{conn: s.conn, gen: s.gen}
		s.mu.Unlock()
		return ss, nil
	}
	s.state = Connecting
	wait := time.Until(s.retryAt)
	s.mu.Unlock()

	if wait > 0 {
		log.Sugar.Debugf("upstream %s reconnect in %s", s.cfg.Name, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			s.setState(Disconnected)
			return session{}, ErrClosed
		}
	}

	start := time.Now()
	conn, err := s.cfg.Dialer.DialContext(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed() {
		if conn != nil {
			_ = conn.Close()
		}
		s.state = Disconnected
		return session{}, ErrClosed
	}

	if err != nil {
		s.state = Disconnected
		s.failures++
		s.retryAt = time.Now().Add(s.backoff(s.failures))
		s.connectFailures.Add(1)

		switch {
		case s.failures == s.cfg.MaxAttempts:
			log.Sugar.Errorf("upstream %s persistent failure after %d attempts error=[%+v]", s.cfg.Name, s.failures, err)
		case s.failures < s.cfg.MaxAttempts:
			log.Sugar.Warnf("upstream %s connect attempt %d error=[%+v]", s.cfg.Name, s.failures, err)
		default:
			log.Sugar.Debugf("upstream %s connect attempt %d error=[%+v]", s.cfg.Name, s.failures, err)
		}

		return session{}, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	s.failures = 0
	s.retryAt = time.Time{}
	s.gen++
	s.conn = conn
	s.state = Connected
	s.connects.Add(1)

	log.Sugar.Infof("upstream %s connected, gen=%d, elapse %s", s.cfg.Name, s.gen, time.Since(start))

	s.readWG.Add(1)
	go s.read(conn, s.gen)

	return session{conn: conn, gen: s.gen}, nil
}

// backoff doubles from MinBackoff per failed attempt, capped at MaxBackoff.
func (s *UpStream) backoff(attempt int) time.Duration {
	d := s.cfg.MinBackoff
	for i := 1; i < attempt && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

// fail tears down conn when it is still the current connection of
// generation gen. Pending queries stay in the table.
func (s *UpStream) fail(conn net.Conn, gen uint64, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	_ = conn.Close()
	s.disconnects.Add(1)
	log.Sugar.Warnf("upstream %s gen=%d disconnected error=[%+v]", s.cfg.Name, gen, cause)

	s.notifyFailure(gen)
}

// notifyFailure keeps only the newest generation in the channel.
func (s *UpStream) notifyFailure(gen uint64) {
	for {
		select {
		case s.failed <- gen:
			return
		default:
		}

		select {
		case <-s.failed:
		default:
		}
	}
}

func (s *UpStream) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
