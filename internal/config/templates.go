package config

import (
	"fmt"
	"os"

	"github.com/danmuck/scenelink/internal/framework"
	"github.com/pelletier/go-toml/v2"
)

// FileFromConfig renders cfg in the on-disk layout.
func FileFromConfig(cfg framework.Config) FrameworkFile {
	c := cfg.Comm
	return FrameworkFile{
		ParticipantName:     cfg.ParticipantName,
		GUID:                cfg.GUID,
		Workers:             cfg.Tasks.Workers,
		PeriodicLogInterval: cfg.PeriodicLogInterval.String(),
		Transport: TransportFile{
			Kind:              string(c.Kind),
			ListenAddr:        c.ListenAddr,
			Peers:             append([]string{}, c.Peers...),
			SendQueue:         c.SendQueue,
			HeartbeatInterval: c.HeartbeatInterval.String(),
			DeadAfter:         c.DeadAfter.String(),
			ConnectTimeout:    c.ConnectTimeout.String(),
			MaxPayloadBytes:   c.MaxPayloadBytes,
			SecurityMode:      string(c.SecurityMode),
			TLS: TLSFile{
				Enabled:    c.TLS.Enabled,
				Mutual:     c.TLS.Mutual,
				CertFile:   c.TLS.CertFile,
				KeyFile:    c.TLS.KeyFile,
				CAFile:     c.TLS.CAFile,
				ServerName: c.TLS.ServerName,
			},
		},
		Watchdog: WatchdogFile{
			Timeout:       cfg.Tasks.Watchdog.Timeout.String(),
			CheckInterval: cfg.Tasks.Watchdog.CheckInterval.String(),
		},
		Resources: ResourcesFile{MaxBytesInFlight: cfg.Resources.MaxBytesInFlight},
		Admin:     AdminFile{ListenAddr: cfg.AdminListenAddr, Token: cfg.AdminToken},
	}
}

// Template is a config file holding every key at its default.
func Template() ([]byte, error) {
	cfg := framework.DefaultConfig()
	cfg.ParticipantName = "scenelinkd_TCP"
	cfg.AdminListenAddr = "127.0.0.1:7711"
	return toml.Marshal(FileFromConfig(cfg))
}

func WriteTemplate(path string, overwrite bool) error {
	data, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
