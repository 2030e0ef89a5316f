package udp

import (
	"net/netip"
	"time"

	"github.com/treemana/dotproxy/frame"
	"github.com/treemana/dotproxy/log"
)

// write drains the forwarder until it closes its deliveries.
func (s *Server) write() {
	defer s.respWG.Done()

	deliveries := s.fwd.Deliveries()
	failures := s.fwd.Failures()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			if s.reply(d.ClientAddr, d.Message) {
				s.stats.answered.Add(1)
				id, _ := frame.ID(d.Message)
				log.Sugar.Debugf("%s answered %d bytes", log.Query(d.Key, id, d.ClientAddr), len(d.Message))
			}
		case gen := <-failures:
			s.reclaim(gen)
		}
	}
}

func (s *Server) reply(addr netip.AddrPort, msg []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultTimeout)); err != nil {
		log.Sugar.Errorf("%s, server udp connection set deadline error=[%+v]", addr, err)
		return false
	}

	if _, err := s.conn.WriteToUDPAddrPort(msg, addr); err != nil {
		log.Sugar.Errorf("%s, udp connection write error=[%+v]", addr, err)
		return false
	}

	return true
}
