package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/nadoo/conflag"
	"go.uber.org/zap/zapcore"

	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/model"
	dottls "github.com/treemana/dotproxy/tls"
	"github.com/treemana/dotproxy/udp"
)

// Option represents console arguments, also accepted as key=value lines
// of the file given with -config.
type Option struct {
	Log struct {
		File    string
		STDOUT  bool
		Verbose bool
		JSON    bool
	}

	Server udp.Config

	// Remote is the resolver, host, host:port or tls://host:port.
	// Empty falls back to $DNS, then to the fastest public resolver.
	Remote     string
	RemotePort int
	ServerName string

	Verify string
	Pins   []string

	Timeout          time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// parseOption parses args, os.Args shaped with the program name first.
func parseOption(args []string) (*Option, error) {
	opt := &Option{}

	flag := conflag.New(args...)
	flag.SetOutput(os.Stdout)

	flag.StringVar(&opt.Server.Address, "listen", "127.0.0.1", "local udp listen address")
	flag.IntVar(&opt.Server.Port, "port", 53, "local udp listen port")

	flag.StringVar(&opt.Remote, "remote", "", "resolver address: host, host:port or tls://host:port, $DNS when empty")
	flag.IntVar(&opt.RemotePort, "remote-port", 0, "resolver port when remote has none, $DNS_PORT or 853 when zero")
	flag.StringVar(&opt.ServerName, "server-name", "", "expected certificate name, the remote host when empty")
	flag.StringVar(&opt.Verify, "verify", string(dottls.VerifyChain), `verify: check the certificate chain and name
pin: accept only certificates matching a -pin
insecure: accept any certificate`)
	flag.StringSliceUniqVar(&opt.Pins, "pin", nil, "base64 SHA-256 of the resolver SubjectPublicKeyInfo")

	flag.DurationVar(&opt.Timeout, "timeout", 5*time.Second, "time a query waits for its answer")
	flag.DurationVar(&opt.Server.SweepInterval, "sweep", time.Second, "timeout sweep interval")
	flag.DurationVar(&opt.DialTimeout, "dial-timeout", 3*time.Second, "resolver tcp dial timeout")
	flag.DurationVar(&opt.HandshakeTimeout, "handshake-timeout", 3*time.Second, "resolver tls handshake timeout")

	var retry, onTimeout string
	flag.StringVar(&retry, "retry", string(model.RetryDrop), "on upstream failure, drop: drop the query, retry: resend it until its timeout")
	flag.StringVar(&onTimeout, "on-timeout", string(model.TimeoutDrop), "on query timeout, drop: stay silent, servfail: answer SERVFAIL")
	flag.Int64Var(&opt.Server.MaxInflight, "max-inflight", 1024, "max datagrams handled at once")
	flag.Float64Var(&opt.Server.QPS, "qps", 0, "max accepted queries per second, 0 disables the limit")
	flag.IntVar(&opt.Server.Burst, "burst", 0, "rate limit burst, qps+1 when zero")

	flag.StringVar(&opt.Log.File, "log-file", "", "log file path, rotated")
	flag.BoolVar(&opt.Log.STDOUT, "stdout", true, "log to stdout")
	flag.BoolVar(&opt.Log.Verbose, "verbose", false, "debug logging")
	flag.BoolVar(&opt.Log.JSON, "json", false, "json log lines")

	if err := flag.Parse(); err != nil {
		// without arguments a missing default config file is fine
		if len(args) > 1 || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var err error
	if opt.Server.Retry, err = model.ParseRetryPolicy(retry); err != nil {
		return nil, err
	}
	if opt.Server.OnTimeout, err = model.ParseTimeoutPolicy(onTimeout); err != nil {
		return nil, err
	}

	if opt.Remote == "" {
		opt.Remote = os.Getenv("DNS")
	}
	if opt.RemotePort == 0 {
		if raw := os.Getenv("DNS_PORT"); raw != "" {
			if opt.RemotePort, err = strconv.Atoi(raw); err != nil {
				return nil, fmt.Errorf("invalid DNS_PORT=%q", raw)
			}
		}
	}

	if opt.Timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout=%s", opt.Timeout)
	}

	// checked once here, the resolver may only be picked later
	if _, err = dottls.NewConfig("", opt.tlsOptions()); err != nil {
		return nil, err
	}

	return opt, nil
}

func (o *Option) tlsOptions() dottls.Options {
	return dottls.Options{
		Verify:           dottls.VerifyMode(o.Verify),
		Pins:             o.Pins,
		DialTimeout:      o.DialTimeout,
		HandshakeTimeout: o.HandshakeTimeout,
	}
}

func (o *Option) logConfig() log.Config {
	lc := log.Config{
		File:       o.Log.File,
		STDOUT:     o.Log.STDOUT,
		MaxAge:     2,
		MaxSize:    10,
		MaxBackups: 100,
		JsonFormat: o.Log.JSON,
	}

	if o.Log.Verbose {
		lc.Level = zapcore.DebugLevel
	}

	return lc
}
