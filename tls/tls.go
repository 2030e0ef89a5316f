package tls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

const (
	defaultDialTimeout      = 3 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

var (
	ErrTLSHandshake   = errors.New("tls handshake failed")
	ErrPinMismatch    = errors.New("no certificate matches the pinned keys")
	ErrInvalidOptions = errors.New("invalid tls options")
)

// VerifyMode selects how the resolver certificate is checked.
type VerifyMode string

const (
	// VerifyChain checks the chain against the system roots and the server
	// name, plus the pins when some are configured.
	VerifyChain VerifyMode = "verify"

	// VerifyPin only accepts a leaf whose SPKI SHA-256 matches a pin.
	VerifyPin VerifyMode = "pin"

	// VerifyNone accepts any certificate. Operator opt-in only.
	VerifyNone VerifyMode = "insecure"
)

func ParseVerifyMode(s string) (VerifyMode, error) {
	switch m := VerifyMode(s); m {
	case VerifyChain, VerifyPin, VerifyNone:
		return m, nil
	case "":
		return VerifyChain, nil
	default:
		return "", fmt.Errorf("invalid verify mode %q", s)
	}
}

type Options struct {
	Verify VerifyMode

	// Pins are base64 encoded SHA-256 digests of SubjectPublicKeyInfo,
	// the format of RFC 7858 section 4.2.
	Pins []string

	// RootCAs overrides the system roots, nil uses them.
	RootCAs *x509.CertPool

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// NewConfig builds the client configuration for a DoT resolver.
func NewConfig(serverName string, opts Options) (*tls.Config, error) {
	mode, err := ParseVerifyMode(string(opts.Verify))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	pins := make(map[string]struct{}, len(opts.Pins))
	for _, p := range opts.Pins {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("%w: pin %q", ErrInvalidOptions, p)
		}
		pins[string(raw)] = struct{}{}
	}

	if mode == VerifyPin && len(pins) == 0 {
		return nil, fmt.Errorf("%w: pin mode needs at least one pin", ErrInvalidOptions)
	}

	config := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{"dot"},
		MinVersion:         tls.VersionTLS12,
		RootCAs:            opts.RootCAs,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}

	switch mode {
	case VerifyPin:
		config.InsecureSkipVerify = true
		config.VerifyConnection = verifyPins(pins)
	case VerifyNone:
		config.InsecureSkipVerify = true
	default:
		if len(pins) > 0 {
			config.VerifyConnection = verifyPins(pins)
		}
	}

	return config, nil
}

func verifyPins(pins map[string]struct{}) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		for _, cert := range cs.PeerCertificates {
			sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
			if _, ok := pins[string(sum[:])]; ok {
				return nil
			}
		}
		return ErrPinMismatch
	}
}

// Pin returns the pin of a certificate in the format Options.Pins expects.
func Pin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Dialer opens TLS connections to one resolver.
type Dialer struct {
	Target Target
	Config *tls.Config

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func NewDialer(target Target, opts Options) (*Dialer, error) {
	config, err := NewConfig(target.ServerName, opts)
	if err != nil {
		return nil, err
	}

	d := &Dialer{
		Target:           target,
		Config:           config,
		DialTimeout:      opts.DialTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if d.DialTimeout <= 0 {
		d.DialTimeout = defaultDialTimeout
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = defaultHandshakeTimeout
	}

	return d, nil
}

// DialContext implements the upstream dialer.
func (d *Dialer) DialContext(ctx context.Context) (net.Conn, error) {
	conn, _, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dial connects and completes the handshake.
// return conn, elapse, error
func (d *Dialer) Dial(ctx context.Context) (*tls.Conn, time.Duration, error) {

	ept := time.Now() // entry point time

	// dial
	dialer := &net.Dialer{Timeout: d.DialTimeout}
	start := time.Now()
	rawConn, err := dialer.DialContext(ctx, "tcp", d.Target.Address)
	elapse := time.Since(start)
	if err != nil {
		return nil, math.MaxInt64, fmt.Errorf("dial %s [%w], elapse %s", d.Target.Address, err, elapse)
	}

	// set deadline
	conn := tls.Client(rawConn, d.Config)
	if err = conn.SetDeadline(time.Now().Add(d.HandshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, math.MaxInt64, fmt.Errorf("set deadline [%w]", err)
	}

	// handshake
	start = time.Now()
	err = conn.HandshakeContext(ctx)
	elapse = time.Since(start)
	if err != nil {
		_ = conn.Close()
		return nil, math.MaxInt64, fmt.Errorf("%w: %s [%w], elapse %s", ErrTLSHandshake, d.Target.ServerName, err, elapse)
	}

	// the connection is long lived, deadlines are set per operation from now on
	if err = conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, math.MaxInt64, fmt.Errorf("clear deadline [%w]", err)
	}

	return conn, time.Since(ept), nil
}
