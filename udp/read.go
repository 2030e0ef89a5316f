package udp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/treemana/dotproxy/frame"
	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/model"
	"github.com/treemana/dotproxy/table"
	"github.com/treemana/dotproxy/upstream"
	"github.com/treemana/dotproxy/util"
)

func (s *Server) read() {
	defer s.readWG.Done()

	bytes := make([]byte, maxDatagram)
	for {
		n, remoteAddr, err := util.Read(s.conn, bytes)
		if err != nil {
			if !s.status.Load() || errors.Is(err, net.ErrClosed) {
				log.Sugar.Warn("server read connection closed")
				break
			}
			log.Sugar.Error("server read error : ", err)
			continue
		}

		s.stats.received.Add(1)

		if n < headerLen {
			s.stats.malformed.Add(1)
			log.Sugar.Debugf("%s sent %d bytes, shorter than a dns header", remoteAddr, n)
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.stats.rateLimited.Add(1)
			log.Sugar.Debugf("%s rate limited", remoteAddr)
			continue
		}

		if err = s.sem.Acquire(s.ctx, 1); err != nil {
			break
		}

		// make a copy of all bytes because the next read overwrites them
		packet := make([]byte, n)
		copy(packet, bytes)

		s.reqWG.Add(1)
		go func(sn uint64) {
			defer s.reqWG.Done()
			defer s.sem.Release(1)
			s.produce(packet, remoteAddr, sn)
		}(s.serial.Add(1))
	}
}

// produce registers the query and forwards it upstream.
func (s *Server) produce(packet []byte, remote netip.AddrPort, sn uint64) {

	if log.Logger.Core().Enabled(zapcore.DebugLevel) {
		id, _ := frame.ID(packet)
		log.Sugar.Debugf("sn=%d, id=%d, %s query=[%s]", sn, id, remote, util.DNSQuestion(packet))
	}

	pq, err := s.table.Insert(packet, remote, time.Now())
	if err != nil {
		if errors.Is(err, table.ErrTableExhausted) {
			s.stats.exhausted.Add(1)
		} else {
			s.stats.malformed.Add(1)
		}
		log.Sugar.Warnf("sn=%d, %s query dropped error=[%+v]", sn, remote, err)
		return
	}

	s.forward(pq)
}

// forward sends pq until it is written, or until the retry policy or the
// query deadline gives up on it.
func (s *Server) forward(pq model.PendingQuery) {
	f, err := frame.Encode(pq.Query)
	if err != nil {
		s.evict(pq, err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, pq.Deadline(s.table.Timeout()))
	defer cancel()

	for attempt := 1; ; attempt++ {
		gen, err := s.fwd.Send(ctx, f)
		if err == nil {
			s.stats.forwarded.Add(1)

			// ok is false when the answer already arrived
			ok, lost := s.table.Bind(pq.Key, gen)
			if !ok || !lost {
				log.Sugar.Debugf("%s forwarded gen=%d", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), gen)
				return
			}

			// gen failed and was reclaimed before the bind
			if ctx.Err() != nil {
				return
			}
			log.Sugar.Debugf("%s gen=%d lost before bind, resending", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), gen)
			continue
		}

		if s.cfg.Retry == model.RetryDrop || ctx.Err() != nil || errors.Is(err, upstream.ErrClosed) {
			s.evict(pq, err)
			return
		}

		if !s.table.Contains(pq.Key) {
			return
		}

		log.Sugar.Debugf("%s attempt %d error=[%+v], retrying", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), attempt, err)
	}
}

// evict drops a query that could not be forwarded. With the drop policy
// it leaves the table now, otherwise the sweeper takes it at its deadline.
func (s *Server) evict(pq model.PendingQuery, cause error) {
	if s.cfg.Retry != model.RetryDrop {
		log.Sugar.Infof("%s forward gave up error=[%+v]", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), cause)
		return
	}

	if _, ok := s.table.Remove(pq.Key); ok {
		s.stats.dropped.Add(1)
		log.Sugar.Infof("%s dropped error=[%+v]", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), cause)
	}
}

// reclaim resends the queries written to a lost connection.
func (s *Server) reclaim(gen uint64) {
	if s.cfg.Retry != model.RetryResend {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.Load() {
		return
	}

	pending := s.table.Reclaim(gen)
	if len(pending) == 0 {
		return
	}

	log.Sugar.Infof("resending %d queries of upstream gen=%d", len(pending), gen)

	s.reqWG.Add(len(pending))
	for _, pq := range pending {
		go func(pq model.PendingQuery) {
			defer s.reqWG.Done()
			s.forward(pq)
		}(pq)
	}
}
