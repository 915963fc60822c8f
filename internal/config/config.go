// Package config maps scenelink TOML files onto framework.Config. Keys that
// are absent keep their defaults; unknown keys are rejected.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/framework"
)

var (
	ErrUnknownKeys     = errors.New("config: unknown keys")
	ErrInvalidDuration = errors.New("config: invalid duration")
)

// FrameworkFile is the on-disk layout.
type FrameworkFile struct {
	ParticipantName     string        `toml:"participant_name"`
	GUID                string        `toml:"guid"`
	Workers             int           `toml:"workers"`
	PeriodicLogInterval string        `toml:"periodic_log_interval"`
	Transport           TransportFile `toml:"transport"`
	Watchdog            WatchdogFile  `toml:"watchdog"`
	Resources           ResourcesFile `toml:"resources"`
	Admin               AdminFile     `toml:"admin"`
}

type TransportFile struct {
	Kind              string   `toml:"kind"`
	ListenAddr        string   `toml:"listen_addr"`
	Peers             []string `toml:"peers"`
	SendQueue         int      `toml:"send_queue"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	DeadAfter         string   `toml:"dead_after"`
	ConnectTimeout    string   `toml:"connect_timeout"`
	MaxPayloadBytes   uint64   `toml:"max_payload_bytes"`
	SecurityMode      string   `toml:"security_mode"`
	TLS               TLSFile  `toml:"tls"`
}

type TLSFile struct {
	Enabled    bool   `toml:"enabled"`
	Mutual     bool   `toml:"mutual"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
}

type WatchdogFile struct {
	Timeout       string `toml:"timeout"`
	CheckInterval string `toml:"check_interval"`
}

type ResourcesFile struct {
	MaxBytesInFlight uint64 `toml:"max_bytes_in_flight"`
}

type AdminFile struct {
	ListenAddr string `toml:"listen_addr"`
	Token      string `toml:"token"`
}

// Load decodes path over framework.DefaultConfig and validates the result.
func Load(path string) (framework.Config, error) {
	var raw FrameworkFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return framework.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return framework.Config{}, fmt.Errorf("load config %s: %w: %s", path, ErrUnknownKeys, strings.Join(keys, ", "))
	}
	cfg, err := apply(framework.DefaultConfig(), raw, meta)
	if err != nil {
		return framework.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.Comm.Kind = comm.NormalizeKind(cfg.Comm.Kind)
	if err := cfg.Validate(); err != nil {
		return framework.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func apply(cfg framework.Config, raw FrameworkFile, meta toml.MetaData) (framework.Config, error) {
	if meta.IsDefined("participant_name") {
		cfg.ParticipantName = strings.TrimSpace(raw.ParticipantName)
	}
	if meta.IsDefined("guid") {
		cfg.GUID = strings.TrimSpace(raw.GUID)
	}
	if meta.IsDefined("workers") {
		cfg.Tasks.Workers = raw.Workers
	}
	if meta.IsDefined("admin", "listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.Admin.ListenAddr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.AdminToken = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("resources", "max_bytes_in_flight") {
		cfg.Resources.MaxBytesInFlight = raw.Resources.MaxBytesInFlight
	}

	t := raw.Transport
	if meta.IsDefined("transport", "kind") {
		cfg.Comm.Kind = comm.Kind(strings.TrimSpace(t.Kind))
	}
	if meta.IsDefined("transport", "listen_addr") {
		cfg.Comm.ListenAddr = strings.TrimSpace(t.ListenAddr)
	}
	if meta.IsDefined("transport", "peers") {
		cfg.Comm.Peers = trimAll(t.Peers)
	}
	if meta.IsDefined("transport", "send_queue") {
		cfg.Comm.SendQueue = t.SendQueue
	}
	if meta.IsDefined("transport", "max_payload_bytes") {
		cfg.Comm.MaxPayloadBytes = t.MaxPayloadBytes
	}
	if meta.IsDefined("transport", "security_mode") {
		cfg.Comm.SecurityMode = comm.SecurityMode(strings.TrimSpace(t.SecurityMode))
	}
	if meta.IsDefined("transport", "tls", "enabled") {
		cfg.Comm.TLS.Enabled = t.TLS.Enabled
	}
	if meta.IsDefined("transport", "tls", "mutual") {
		cfg.Comm.TLS.Mutual = t.TLS.Mutual
	}
	if meta.IsDefined("transport", "tls", "cert_file") {
		cfg.Comm.TLS.CertFile = strings.TrimSpace(t.TLS.CertFile)
	}
	if meta.IsDefined("transport", "tls", "key_file") {
		cfg.Comm.TLS.KeyFile = strings.TrimSpace(t.TLS.KeyFile)
	}
	if meta.IsDefined("transport", "tls", "ca_file") {
		cfg.Comm.TLS.CAFile = strings.TrimSpace(t.TLS.CAFile)
	}
	if meta.IsDefined("transport", "tls", "server_name") {
		cfg.Comm.TLS.ServerName = strings.TrimSpace(t.TLS.ServerName)
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"periodic_log_interval"}, raw.PeriodicLogInterval, &cfg.PeriodicLogInterval},
		{[]string{"transport", "heartbeat_interval"}, t.HeartbeatInterval, &cfg.Comm.HeartbeatInterval},
		{[]string{"transport", "dead_after"}, t.DeadAfter, &cfg.Comm.DeadAfter},
		{[]string{"transport", "connect_timeout"}, t.ConnectTimeout, &cfg.Comm.ConnectTimeout},
		{[]string{"watchdog", "timeout"}, raw.Watchdog.Timeout, &cfg.Tasks.Watchdog.Timeout},
		{[]string{"watchdog", "check_interval"}, raw.Watchdog.CheckInterval, &cfg.Tasks.Watchdog.CheckInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return framework.Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidDuration, strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	return cfg, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
