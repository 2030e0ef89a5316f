package upstream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/treemana/dotproxy/frame"
	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/model"
)

// read is the only reader of conn. It decodes frames and dispatches each
// answer to the query waiting for it.
func (s *UpStream) read(conn net.Conn, gen uint64) {
	defer s.readWG.Done()

	var dec frame.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		for _, msg := range dec.Feed(buf[:n]) {
			s.dispatch(msg, gen)
		}

		if err == nil {
			continue
		}

		if s.closed() {
			return
		}

		if dec.Buffered() > 0 {
			log.Sugar.Warnf("upstream %s gen=%d dropping %d bytes of partial frame", s.cfg.Name, gen, dec.Buffered())
		}
		if errors.Is(err, io.EOF) {
			log.Sugar.Debugf("upstream %s gen=%d closed by resolver", s.cfg.Name, gen)
		}

		s.fail(conn, gen, fmt.Errorf("%w: %w", ErrUpstreamRead, err))
		return
	}
}

func (s *UpStream) dispatch(msg []byte, gen uint64) {
	key, err := frame.ID(msg)
	if err != nil {
		s.malformed.Add(1)
		log.Sugar.Warnf("upstream %s gen=%d dropping response error=[%+v]", s.cfg.Name, gen, err)
		return
	}

	pq, ok := s.table.Remove(key)
	if !ok {
		// answered already, evicted, or never ours
		s.unmatched.Add(1)
		log.Sugar.Debugf("%s, upstream %s gen=%d unmatched response dropped", log.Query(key, 0, netip.AddrPort{}), s.cfg.Name, gen)
		return
	}

	_ = frame.SetID(msg, pq.OriginalID)
	d := &model.Delivery{
		Key:        key,
		ClientAddr: pq.ClientAddr,
		Message:    msg,
	}

	select {
	case s.deliveries <- d:
		s.delivered.Add(1)
	case <-s.ctx.Done():
	}
}
