package udp

import (
	"context"
	"time"

	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/model"
	"github.com/treemana/dotproxy/util"
)

// sweeper evicts expired queries every SweepInterval.
func (s *Server) sweeper(ctx context.Context) {
	defer s.sweepWG.Done()

	var ticker = time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := s.sweep(now); n > 0 {
				log.Sugar.Infof("server sweep evicted %d queries, %d pending", n, s.table.Len())
			}
		case <-ctx.Done():
			log.Sugar.Info("server sweep stop")
			return
		}
	}
}

func (s *Server) sweep(now time.Time) int {
	expired := s.table.Expire(now)
	for _, pq := range expired {
		s.stats.timedOut.Add(1)
		log.Sugar.Debugf("%s timed out after %s", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), now.Sub(pq.CreatedAt))

		if s.cfg.OnTimeout != model.TimeoutServfail {
			continue
		}

		raw, err := util.DNSPackFailure(pq.Query, pq.OriginalID)
		if err != nil {
			log.Sugar.Warnf("%s servfail error=[%+v]", log.Query(pq.Key, pq.OriginalID, pq.ClientAddr), err)
			continue
		}
		s.reply(pq.ClientAddr, raw)
	}

	return len(expired)
}
