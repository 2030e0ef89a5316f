// Package dottest runs local DNS-over-TLS resolvers for tests.
package dottest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/pkitest"
	"github.com/miekg/dns"

	"github.com/treemana/dotproxy/frame"
	dottls "github.com/treemana/dotproxy/tls"
)

// ServerName is the name the test certificate is issued for.
const ServerName = "dns.test"

// Handler answers one query. Returning nil sends nothing back.
type Handler func(query []byte) []byte

// Server is a DoT resolver listening on 127.0.0.1.
type Server struct {
	ln      net.Listener
	pki     *pkitest.PKI
	leaf    *x509.Certificate
	handler Handler

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	accepted atomic.Int64
	queries  atomic.Int64
}

// NewServer starts a server closed at the end of the test.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	pki := pkitest.MustNewPKI(t.TempDir())
	cert := pki.MustNewCert(&pkitest.SelfSignedCertConfig{
		CommonName:   ServerName,
		DNSNames:     []string{ServerName},
		IPAddrs:      []net.IP{net.IPv4(127, 0, 0, 1)},
		Organization: []string{"dotproxy"},
	})
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{
		ln:      ln,
		pki:     pki,
		leaf:    leaf,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

func (s *Server) Address() string {
	return s.ln.Addr().String()
}

// Target is the resolver target clients should dial.
func (s *Server) Target() dottls.Target {
	return dottls.Target{Address: s.Address(), ServerName: ServerName}
}

// Options trust the server certificate.
func (s *Server) Options() dottls.Options {
	return dottls.Options{RootCAs: s.pki.CertPool()}
}

// Pin of the server certificate.
func (s *Server) Pin() string {
	return dottls.Pin(s.leaf)
}

// Accepted counts accepted connections.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Queries counts decoded queries.
func (s *Server) Queries() int {
	return int(s.queries.Load())
}

// CloseConns drops every open connection, keeping the listener.
func (s *Server) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.CloseConns()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
		dec frame.Decoder
	)
	defer wg.Wait()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		for _, query := range dec.Feed(buf[:n]) {
			s.queries.Add(1)
			wg.Add(1)
			go func(query []byte) {
				defer wg.Done()
				resp := s.handler(query)
				if resp == nil {
					return
				}
				f, err := frame.Encode(resp)
				if err != nil {
					return
				}
				wmu.Lock()
				_, _ = conn.Write(f)
				wmu.Unlock()
			}(query)
		}
		if err != nil {
			return
		}
	}
}

// Answer replies to every A query with addr, keeping the query ID.
func Answer(addr netip.Addr) Handler {
	return func(query []byte) []byte {
		req := new(dns.Msg)
		if err := req.Unpack(query); err != nil || len(req.Question) == 0 {
			return nil
		}

		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.RecursionAvailable = true
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{
				Name:   req.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    60,
			},
			A: addr.AsSlice(),
		}}

		raw, err := resp.Pack()
		if err != nil {
			return nil
		}
		return raw
	}
}

// Silent never answers.
func Silent(query []byte) []byte {
	return nil
}

// Query packs an A query for name with the given ID.
func Query(name string, id uint16) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	raw, err := m.Pack()
	if err != nil {
		panic(err)
	}
	return raw
}
