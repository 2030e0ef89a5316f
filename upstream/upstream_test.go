package upstream

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/dotproxy/dottest"
	"github.com/treemana/dotproxy/frame"
	"github.com/treemana/dotproxy/model"
	"github.com/treemana/dotproxy/table"
	dottls "github.com/treemana/dotproxy/tls"
)

type dialerFunc func(ctx context.Context) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// blockingConn reads nothing until closed and accepts every write.
func blockingConn() *netstub.FuncConn {
	done := make(chan struct{})
	var once sync.Once
	return &netstub.FuncConn{
		ReadFunc: func(b []byte) (int, error) {
			<-done
			return 0, net.ErrClosed
		},
		WriteFunc: func(b []byte) (int, error) {
			return len(b), nil
		},
		CloseFunc: func() error {
			once.Do(func() { close(done) })
			return nil
		},
	}
}

func newTestUpStream(t *testing.T, srv *dottest.Server, tb *table.Table) *UpStream {
	t.Helper()

	d, err := dottls.NewDialer(srv.Target(), srv.Options())
	require.NoError(t, err)

	up, err := New(Config{Dialer: d, Name: srv.Address(), MinBackoff: 10 * time.Millisecond}, tb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = up.Close() })
	return up
}

func send(t *testing.T, up *UpStream, tb *table.Table, query []byte, client netip.AddrPort) model.PendingQuery {
	t.Helper()

	pq, err := tb.Insert(query, client, time.Now())
	require.NoError(t, err)
	f, err := frame.Encode(pq.Query)
	require.NoError(t, err)
	gen, err := up.Send(context.Background(), f)
	require.NoError(t, err)
	require.NotZero(t, gen)
	tb.Bind(pq.Key, gen)
	return pq
}

func receive(t *testing.T, up *UpStream) *model.Delivery {
	t.Helper()

	select {
	case d := <-up.Deliveries():
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{}, table.New(time.Second))
	require.Error(t, err)

	_, err = New(Config{Dialer: dialerFunc(nil)}, nil)
	require.Error(t, err)

	up, err := New(Config{Dialer: dialerFunc(nil)}, table.New(time.Second))
	require.NoError(t, err)
	require.Equal(t, Disconnected, up.State())
	require.Equal(t, defaultMaxAttempts, up.cfg.MaxAttempts)
	require.NoError(t, up.Close())
	require.NoError(t, up.Close())
}

func TestSendDeliversWithOriginalID(t *testing.T) {
	srv := dottest.NewServer(t, dottest.Answer(netip.MustParseAddr("192.0.2.1")))
	tb := table.New(time.Minute)
	up := newTestUpStream(t, srv, tb)

	client := netip.MustParseAddrPort("127.0.0.1:40000")
	pq := send(t, up, tb, dottest.Query("example.com", 0xabcd), client)
	require.Equal(t, Connected, up.State())

	d := receive(t, up)
	require.Equal(t, pq.Key, d.Key)
	require.Equal(t, client, d.ClientAddr)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(d.Message))
	require.Equal(t, uint16(0xabcd), resp.Id)
	require.True(t, resp.Response)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())

	require.Zero(t, tb.Len())
	require.Equal(t, uint64(1), up.Stats().Delivered)
}

func TestConcurrentCollidingIDs(t *testing.T) {
	srv := dottest.NewServer(t, dottest.Answer(netip.MustParseAddr("192.0.2.2")))
	tb := table.New(time.Minute)
	up := newTestUpStream(t, srv, tb)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(20000+i))
			pq, err := tb.Insert(dottest.Query("example.com", 0xabcd), client, time.Now())
			if !assert.NoError(t, err) {
				return
			}
			f, err := frame.Encode(pq.Query)
			if !assert.NoError(t, err) {
				return
			}
			_, err = up.Send(context.Background(), f)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[netip.AddrPort]struct{})
	for i := 0; i < n; i++ {
		d := receive(t, up)
		id, err := frame.ID(d.Message)
		require.NoError(t, err)
		require.Equal(t, uint16(0xabcd), id)
		seen[d.ClientAddr] = struct{}{}
	}
	require.Len(t, seen, n)
	require.Equal(t, 1, srv.Accepted())
	require.Equal(t, n, srv.Queries())
	require.Zero(t, tb.Len())
}

func TestUnmatchedResponseDropped(t *testing.T) {
	srv := dottest.NewServer(t, func(query []byte) []byte {
		resp := append([]byte(nil), query...)
		id, _ := frame.ID(resp)
		_ = frame.SetID(resp, id+1)
		return resp
	})
	tb := table.New(time.Minute)
	up := newTestUpStream(t, srv, tb)

	pq := send(t, up, tb, dottest.Query("example.com", 1), netip.MustParseAddrPort("127.0.0.1:40000"))

	require.Eventually(t, func() bool { return up.Stats().Unmatched == 1 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, tb.Contains(pq.Key))
	require.Empty(t, up.Deliveries())
}

func TestReconnectAfterResolverDrop(t *testing.T) {
	srv := dottest.NewServer(t, dottest.Answer(netip.MustParseAddr("192.0.2.3")))
	tb := table.New(time.Minute)
	up := newTestUpStream(t, srv, tb)
	client := netip.MustParseAddrPort("127.0.0.1:40000")

	send(t, up, tb, dottest.Query("one.example", 1), client)
	receive(t, up)

	srv.CloseConns()

	select {
	case gen := <-up.Failures():
		require.Equal(t, uint64(1), gen)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure notification")
	}
	require.Equal(t, Disconnected, up.State())

	pq, err := tb.Insert(dottest.Query("two.example", 2), client, time.Now())
	require.NoError(t, err)
	f, err := frame.Encode(pq.Query)
	require.NoError(t, err)
	gen, err := up.Send(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, uint64(2), gen)

	d := receive(t, up)
	id, _ := frame.ID(d.Message)
	require.Equal(t, uint16(2), id)
	require.Equal(t, 2, srv.Accepted())
	require.Equal(t, uint64(2), up.Stats().Connects)
}

func TestSingleConnectAttempt(t *testing.T) {
	var dials atomic.Int32
	dialer := dialerFunc(func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return blockingConn(), nil
	})

	up, err := New(Config{Dialer: dialer, WriteTimeout: -1}, table.New(time.Second))
	require.NoError(t, err)
	defer up.Close()

	var wg sync.WaitGroup
	gens := make([]uint64, 20)
	for i := range gens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gen, err := up.Send(context.Background(), []byte{0, 2, 0, 1})
			assert.NoError(t, err)
			gens[i] = gen
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), dials.Load())
	for _, gen := range gens {
		require.Equal(t, uint64(1), gen)
	}
}

func TestConnectBackoff(t *testing.T) {
	var dials atomic.Int32
	refused := errors.New("connection refused")
	dialer := dialerFunc(func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		return nil, refused
	})

	up, err := New(Config{Dialer: dialer, MinBackoff: time.Hour, MaxAttempts: 2}, table.New(time.Second))
	require.NoError(t, err)
	defer up.Close()

	_, err = up.Send(context.Background(), []byte{0, 2, 0, 1})
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, refused)
	require.Equal(t, Disconnected, up.State())

	// the next attempt waits out the backoff
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = up.Send(ctx, []byte{0, 2, 0, 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, uint64(1), up.Stats().ConnectFailures)
}

func TestBackoffBounds(t *testing.T) {
	up, err := New(Config{Dialer: dialerFunc(nil), MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, table.New(time.Second))
	require.NoError(t, err)
	defer up.Close()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{100, time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, up.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestCloseReleasesBlockedSender(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	up, err := New(Config{Dialer: dialer}, table.New(time.Second))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := up.Send(context.Background(), []byte{0, 2, 0, 1})
		errc <- err
	}()

	require.Eventually(t, func() bool { return up.State() == Connecting }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, up.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("sender still blocked")
	}

	_, err = up.Send(context.Background(), []byte{0, 2, 0, 1})
	require.ErrorIs(t, err, ErrClosed)

	_, ok := <-up.Deliveries()
	require.False(t, ok)
}

func TestWriteFailureDisconnects(t *testing.T) {
	broken := errors.New("broken pipe")
	conn := blockingConn()
	conn.WriteFunc = func(b []byte) (int, error) {
		return 0, broken
	}
	dialer := dialerFunc(func(ctx context.Context) (net.Conn, error) {
		return conn, nil
	})

	up, err := New(Config{Dialer: dialer, WriteTimeout: -1}, table.New(time.Second))
	require.NoError(t, err)
	defer up.Close()

	_, err = up.Send(context.Background(), []byte{0, 2, 0, 1})
	require.ErrorIs(t, err, ErrUpstreamWrite)
	require.ErrorIs(t, err, broken)
	require.Equal(t, Disconnected, up.State())

	select {
	case gen := <-up.Failures():
		require.Equal(t, uint64(1), gen)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure notification")
	}
	require.Equal(t, uint64(1), up.Stats().Disconnects)
}

func TestMalformedResponseDropped(t *testing.T) {
	srv := dottest.NewServer(t, func(query []byte) []byte {
		return []byte{0x01}
	})
	tb := table.New(time.Minute)
	up := newTestUpStream(t, srv, tb)

	send(t, up, tb, dottest.Query("example.com", 1), netip.MustParseAddrPort("127.0.0.1:40000"))

	require.Eventually(t, func() bool { return up.Stats().Malformed == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, tb.Len())
	require.Equal(t, Connected, up.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "unknown", State(9).String())
}
