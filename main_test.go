package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/treemana/dotproxy/model"
	dottls "github.com/treemana/dotproxy/tls"
)

func TestParseOption(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "dotproxy.conf")
	require.NoError(t, os.WriteFile(conf, []byte("remote=tls://1.1.1.1\nverify=insecure\nretry=retry\n"), 0o600))

	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		check   func(t *testing.T, opt *Option)
		wantErr error
	}{
		{
			name: "defaults",
			args: []string{"dotproxy"},
			check: func(t *testing.T, opt *Option) {
				require.Equal(t, "127.0.0.1", opt.Server.Address)
				require.Equal(t, 53, opt.Server.Port)
				require.Equal(t, 5*time.Second, opt.Timeout)
				require.Equal(t, model.RetryDrop, opt.Server.Retry)
				require.Equal(t, model.TimeoutDrop, opt.Server.OnTimeout)
				require.Empty(t, opt.Remote)
			},
		},
		{
			name: "flags",
			args: []string{"dotproxy", "-listen", "::1", "-port", "5353", "-remote", "dns.example", "-retry", "retry", "-on-timeout", "servfail", "-verbose"},
			check: func(t *testing.T, opt *Option) {
				require.Equal(t, "::1", opt.Server.Address)
				require.Equal(t, 5353, opt.Server.Port)
				require.Equal(t, "dns.example", opt.Remote)
				require.Equal(t, model.RetryResend, opt.Server.Retry)
				require.Equal(t, model.TimeoutServfail, opt.Server.OnTimeout)
				require.Equal(t, zapcore.DebugLevel, opt.logConfig().Level)
			},
		},
		{
			name: "env fallback",
			args: []string{"dotproxy", "-port", "5353"},
			env:  map[string]string{"DNS": "9.9.9.9", "DNS_PORT": "8853"},
			check: func(t *testing.T, opt *Option) {
				require.Equal(t, "9.9.9.9", opt.Remote)
				require.Equal(t, 8853, opt.RemotePort)
			},
		},
		{
			name: "flags win over env",
			args: []string{"dotproxy", "-remote", "1.0.0.1", "-remote-port", "853"},
			env:  map[string]string{"DNS": "9.9.9.9", "DNS_PORT": "8853"},
			check: func(t *testing.T, opt *Option) {
				require.Equal(t, "1.0.0.1", opt.Remote)
				require.Equal(t, 853, opt.RemotePort)
			},
		},
		{
			name: "config file",
			args: []string{"dotproxy", "-config", conf},
			check: func(t *testing.T, opt *Option) {
				require.Equal(t, "tls://1.1.1.1", opt.Remote)
				require.Equal(t, string(dottls.VerifyNone), opt.Verify)
				require.Equal(t, model.RetryResend, opt.Server.Retry)
			},
		},
		{
			name:    "bad verify mode",
			args:    []string{"dotproxy", "-verify", "bogus"},
			wantErr: dottls.ErrInvalidOptions,
		},
		{
			name:    "pin mode without pins",
			args:    []string{"dotproxy", "-verify", "pin"},
			wantErr: dottls.ErrInvalidOptions,
		},
		{
			name:    "malformed pin",
			args:    []string{"dotproxy", "-pin", "nope"},
			wantErr: dottls.ErrInvalidOptions,
		},
		{
			name: "bad retry policy",
			args: []string{"dotproxy", "-retry", "sometimes"},
		},
		{
			name: "bad timeout",
			args: []string{"dotproxy", "-timeout", "0s"},
		},
		{
			name: "bad DNS_PORT",
			args: []string{"dotproxy", "-port", "5353"},
			env:  map[string]string{"DNS_PORT": "dot"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DNS", "")
			t.Setenv("DNS_PORT", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			opt, err := parseOption(tt.args)
			if tt.check == nil {
				require.Error(t, err)
				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, opt)
		})
	}
}

func TestSelectTarget(t *testing.T) {
	target, err := selectTarget(&Option{Remote: "tls://dns.example:8853"})
	require.NoError(t, err)
	require.Equal(t, "dns.example:8853", target.Address)
	require.Equal(t, "dns.example", target.ServerName)

	target, err = selectTarget(&Option{Remote: "9.9.9.9", RemotePort: 8853, ServerName: "dns.quad9.net"})
	require.NoError(t, err)
	require.Equal(t, "9.9.9.9:8853", target.Address)
	require.Equal(t, "dns.quad9.net", target.ServerName)
}

func TestSelectExitCode(t *testing.T) {
	tests := []struct {
		name   string
		option *Option
		want   int
	}{
		{name: "bad scheme", option: &Option{Remote: "ftp://dns.example"}, want: exitConfig},
		{name: "bad port", option: &Option{Remote: "dns.example:99999"}, want: exitConfig},
		// fails before any public resolver is dialed
		{name: "bad verify mode without remote", option: &Option{Verify: "bogus"}, want: exitConfig},
		{name: "pin mode without remote", option: &Option{Verify: string(dottls.VerifyPin)}, want: exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := selectTarget(tt.option)
			require.Error(t, err)
			require.Equal(t, tt.want, selectExitCode(err))
		})
	}

	require.Equal(t, exitUpstream, selectExitCode(errors.New("no reachable resolver among 6")))
}
