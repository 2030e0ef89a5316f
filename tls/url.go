package tls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/treemana/dotproxy/log"
)

// DefaultPort is the DNS-over-TLS port of RFC 7858.
const DefaultPort = 853

var ErrInvalidTarget = errors.New("invalid resolver target")

// PublicResolvers are probed when no resolver is configured.
// https://dnsprivacy.org/public_resolvers/
var PublicResolvers = []string{
	// quad9
	"9.9.9.9",
	"9.9.9.10",
	// cloudflare
	"1.1.1.1",
	"1.0.0.1",
	// google
	"8.8.8.8",
	"8.8.4.4",
}

// Target is a resolver endpoint.
type Target struct {
	Address    string // host:port
	ServerName string // expected certificate name
}

func (t Target) String() string {
	if t.ServerName == "" {
		return t.Address
	}
	host, _, _ := net.SplitHostPort(t.Address)
	if host == t.ServerName {
		return t.Address
	}
	return t.Address + "#" + t.ServerName
}

// ParseTarget accepts host, host:port, [v6]:port or tls://host[:port].
// port is used when raw carries none; serverName overrides the host as the
// expected certificate name.
func ParseTarget(raw string, port int, serverName string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if port <= 0 {
		port = DefaultPort
	}

	var host, rawPort string
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
		}
		if u.Scheme != "tls" && u.Scheme != "dot" {
			return Target{}, fmt.Errorf("%w: scheme %q", ErrInvalidTarget, u.Scheme)
		}
		host, rawPort = u.Hostname(), u.Port()
	} else if h, p, err := net.SplitHostPort(raw); err == nil {
		host, rawPort = h, p
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	}

	if host == "" {
		return Target{}, fmt.Errorf("%w: no host in %q", ErrInvalidTarget, raw)
	}

	if rawPort != "" {
		p, err := strconv.Atoi(rawPort)
		if err != nil || p <= 0 || p > 65535 {
			return Target{}, fmt.Errorf("%w: port %q", ErrInvalidTarget, rawPort)
		}
		port = p
	}

	host, err := NormalizeServerName(host)
	if err != nil {
		return Target{}, err
	}

	name := host
	if serverName != "" {
		if name, err = NormalizeServerName(serverName); err != nil {
			return Target{}, err
		}
	}

	return Target{
		Address:    net.JoinHostPort(host, strconv.Itoa(port)),
		ServerName: name,
	}, nil
}

// NormalizeServerName converts an internationalized name to the ASCII form
// used for SNI and certificate matching. IP literals are returned as is.
func NormalizeServerName(name string) (string, error) {
	name = strings.TrimSuffix(name, ".")
	if net.ParseIP(name) != nil {
		return name, nil
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: server name %q [%w]", ErrInvalidTarget, name, err)
	}
	return ascii, nil
}

// Fastest returns the target completing a TLS handshake first, probing one
// after another. It fails when none is reachable.
func Fastest(ctx context.Context, targets []Target, opts Options) (Target, time.Duration, error) {
	var (
		fast  Target
		found bool
		min   time.Duration
	)
	var hostMap = make(map[string]struct{}, len(targets))

	for _, target := range targets {
		if _, ok := hostMap[target.Address]; ok {
			continue
		}
		hostMap[target.Address] = struct{}{}

		d, err := NewDialer(target, opts)
		if err != nil {
			return Target{}, 0, err
		}

		conn, elapse, err := d.Dial(ctx)
		if err != nil {
			log.Sugar.Warnf("%s tls connection [%+v]", target, err)
			continue
		}
		_ = conn.Close()

		log.Sugar.Debugf("%s tls connection elapse %s", target, elapse)

		if found && elapse >= min {
			continue
		}

		fast, min, found = target, elapse, true
	}

	if !found {
		return Target{}, 0, fmt.Errorf("no reachable resolver among %d", len(targets))
	}

	return fast, min, nil
}
