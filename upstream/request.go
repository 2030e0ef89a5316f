package upstream

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Send writes one encoded frame and returns the generation of the
// connection it went out on. A write error closes that connection; the
// caller decides whether to send again, which reconnects.
func (s *UpStream) Send(ctx context.Context, f []byte) (uint64, error) {
	conn, gen, err := s.connection(ctx)
	if err != nil {
		return 0, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		if err = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.fail(conn, gen, err)
			return 0, fmt.Errorf("%w: %w", ErrUpstreamWrite, err)
		}
	}

	if _, err = conn.Write(f); err != nil {
		// a partial frame leaves the stream unusable
		s.fail(conn, gen, err)
		return 0, fmt.Errorf("%w: %w", ErrUpstreamWrite, err)
	}

	return gen, nil
}

type session struct {
	conn net.Conn
	gen  uint64
}

// connection returns the live connection, opening one when there is none.
func (s *UpStream) connection(ctx context.Context) (net.Conn, uint64, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn, gen := s.conn, s.gen
		s.mu.Unlock()
		return conn, gen, nil
	}
	s.mu.Unlock()

	if s.closed() {
		return nil, 0, ErrClosed
	}

	ch := s.group.DoChan("connect", func() (any, error) {
		return s.connect()
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, 0, r.Err
		}
		ss := r.Val.(session)
		return ss.conn, ss.gen, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-s.ctx.Done():
		return nil, 0, ErrClosed
	}
}
