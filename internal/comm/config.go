package comm

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Kind selects the concrete transport behind System.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
	KindLoopback  Kind = "loopback"
)

// NormalizeKind lowercases and trims kind; empty means tcp.
func NormalizeKind(kind Kind) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(string(kind))))
	if k == "" {
		return KindTCP
	}
	return k
}

// BackoffConfig defines redial backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig configures TLS on tcp and websocket links.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config is the immutable transport snapshot handed to New.
type Config struct {
	Kind       Kind
	ListenAddr string
	Peers      []string

	// SendQueue bounds frames waiting per peer before SendTo reports
	// ErrSendBufferFull.
	SendQueue int

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
	Backoff           BackoffConfig

	MaxPayloadBytes uint64

	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Kind:              KindTCP,
		ListenAddr:        ":7710",
		SendQueue:         1024,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		DeadAfter:         15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		MaxPayloadBytes: 64 * 1024 * 1024,
		SecurityMode:    SecurityModeDevelopment,
	}
}

// Validate checks transport settings. Security rules apply to the roles the
// config actually plays: server when listening, client when dialing peers.
func (c Config) Validate() error {
	switch NormalizeKind(c.Kind) {
	case KindTCP, KindWebSocket:
	case KindLoopback:
		if c.SendQueue <= 0 {
			return fmt.Errorf("%w: send_queue must be positive", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("%w: send_queue must be positive", ErrInvalidConfig)
	}
	if c.MaxPayloadBytes == 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.DeadAfter <= c.HeartbeatInterval {
		return fmt.Errorf("%w: dead_after must exceed heartbeat_interval", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ListenAddr) == "" && len(c.Peers) == 0 {
		return fmt.Errorf("%w: listen_addr or peers required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ListenAddr) != "" {
		if err := c.ValidateServerTransport(); err != nil {
			return err
		}
	}
	if len(c.Peers) > 0 {
		if err := c.ValidateClientTransport(); err != nil {
			return err
		}
	}
	return nil
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
