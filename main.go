package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/treemana/dotproxy/log"
	"github.com/treemana/dotproxy/table"
	dottls "github.com/treemana/dotproxy/tls"
	"github.com/treemana/dotproxy/udp"
	"github.com/treemana/dotproxy/upstream"
)

const (
	exitConfig   = 2
	exitBind     = 3
	exitUpstream = 4
)

func main() {
	os.Exit(run())
}

func run() int {

	option, err := parseOption(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return exitConfig
	}

	// init log
	if err = log.Init(option.logConfig()); err != nil {
		fmt.Fprintln(os.Stderr, "log init error", err)
		return exitConfig
	}
	defer log.Sync()

	target, err := selectTarget(option)
	if err != nil {
		log.Sugar.Error(err)
		return selectExitCode(err)
	}

	opts := option.tlsOptions()
	if opts.Verify == dottls.VerifyNone {
		log.Sugar.Warnf("certificate verification of %s is disabled", target)
	}

	var dialer *dottls.Dialer
	if dialer, err = dottls.NewDialer(target, opts); err != nil {
		log.Sugar.Error(err)
		return exitConfig
	}

	tb := table.New(option.Timeout)

	var up *upstream.UpStream
	if up, err = upstream.New(upstream.Config{Dialer: dialer, Name: target.String()}, tb); err != nil {
		log.Sugar.Error(err)
		return exitConfig
	}

	var server *udp.Server
	if server, err = udp.New(option.Server, tb, up); err != nil {
		log.Sugar.Error(err)
		_ = up.Close()
		if errors.Is(err, udp.ErrBind) {
			return exitBind
		}
		return exitConfig
	}

	log.Sugar.Infof("forwarding to %s, timeout %s, retry %s, on timeout %s",
		target, option.Timeout, option.Server.Retry, option.Server.OnTimeout)
	server.Start()

	// running until os exit
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sc
	log.Sugar.Infof("signal %d %s", s, s)

	server.StopRead()
	if err = up.Close(); err != nil {
		log.Sugar.Warnf("upstream close error=[%+v]", err)
	}
	server.StopWrite()

	return 0
}

// selectExitCode tells a bad resolver setting from an unreachable resolver.
func selectExitCode(err error) int {
	if errors.Is(err, dottls.ErrInvalidTarget) || errors.Is(err, dottls.ErrInvalidOptions) {
		return exitConfig
	}
	return exitUpstream
}

// selectTarget parses the configured resolver, or picks the public resolver
// with the fastest handshake when none is configured.
func selectTarget(option *Option) (dottls.Target, error) {
	if option.Remote != "" {
		return dottls.ParseTarget(option.Remote, option.RemotePort, option.ServerName)
	}

	targets := make([]dottls.Target, 0, len(dottls.PublicResolvers))
	for _, raw := range dottls.PublicResolvers {
		target, err := dottls.ParseTarget(raw, option.RemotePort, "")
		if err != nil {
			return dottls.Target{}, err
		}
		targets = append(targets, target)
	}

	// probed one after another
	budget := time.Duration(len(targets)) * (option.DialTimeout + option.HandshakeTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	target, elapse, err := dottls.Fastest(ctx, targets, option.tlsOptions())
	if err != nil {
		return dottls.Target{}, fmt.Errorf("no resolver configured and %w", err)
	}

	log.Sugar.Infof("no resolver configured, using %s, handshake %s", target, elapse)
	return target, nil
}
