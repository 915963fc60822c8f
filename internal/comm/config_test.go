package comm

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/scenelink/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestValidateRejectsBadTransportSettings(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown kind", func(c *Config) { c.Kind = "carrier-pigeon" }, ErrUnknownKind},
		{"zero send queue", func(c *Config) { c.SendQueue = 0 }, ErrInvalidConfig},
		{"dead after too short", func(c *Config) { c.DeadAfter = c.HeartbeatInterval }, ErrInvalidConfig},
		{"no listen and no peers", func(c *Config) { c.ListenAddr = "" }, ErrInvalidConfig},
		{"production without tls", func(c *Config) { c.SecurityMode = SecurityModeProduction }, ErrTLSRequired},
		{"bad mode", func(c *Config) { c.SecurityMode = "chaos" }, ErrInvalidSecurityMode},
		{"mutual without tls", func(c *Config) { c.TLS.Mutual = true }, ErrTLSRequired},
		{"server tls without cert", func(c *Config) { c.TLS.Enabled = true }, ErrTLSCertFileRequired},
		{"client tls without ca", func(c *Config) {
			c.ListenAddr = ""
			c.Peers = []string{"127.0.0.1:7710"}
			c.TLS.Enabled = true
		}, ErrTLSCAFileRequired},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want=%v", tc.name, err, tc.want)
		}
	}
}

func TestValidateLoopbackIgnoresNetworkSettings(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Kind = KindLoopback
	cfg.ListenAddr = ""
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loopback validate: %v", err)
	}
	if NormalizeKind(" TCP ") != KindTCP || NormalizeKind("") != KindTCP {
		t.Fatalf("normalize kind")
	}
}
