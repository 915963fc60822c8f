package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/framework"
)

func TestParseOptionsPrecedence(t *testing.T) {
	t.Setenv(envConfigPath, "/etc/scenelink/env.toml")

	opts, err := parseOptions([]string{"-config", "flag.toml", "-name", "viewer"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.configPath != "flag.toml" || !opts.explicit || opts.name != "viewer" {
		t.Fatalf("flag should win: %+v", opts)
	}

	opts, err = parseOptions(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.configPath != "/etc/scenelink/env.toml" || !opts.explicit {
		t.Fatalf("env should apply: %+v", opts)
	}

	t.Setenv(envConfigPath, "")
	opts, err = parseOptions(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.configPath != defaultConfigPath || opts.explicit {
		t.Fatalf("default path expected: %+v", opts)
	}
}

func TestLoadConfigFallsBackOnlyForImplicitPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")

	cfg, path, err := loadConfig(options{configPath: missing, name: "viewer"})
	if err != nil {
		t.Fatalf("implicit missing path should fall back: %v", err)
	}
	if path != "" || cfg.ParticipantName != "viewer" {
		t.Fatalf("unexpected fallback: path=%q name=%q", path, cfg.ParticipantName)
	}
	if cfg.Comm.ListenAddr != framework.DefaultConfig().Comm.ListenAddr {
		t.Fatalf("fallback should use defaults")
	}

	if _, _, err := loadConfig(options{configPath: missing, explicit: true}); err == nil {
		t.Fatalf("explicit missing path must fail")
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[transport]\nkind = \"loopback\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, got, err := loadConfig(options{configPath: path, explicit: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != path || cfg.Comm.Kind != comm.KindLoopback {
		t.Fatalf("unexpected config: path=%q kind=%q", got, cfg.Comm.Kind)
	}
}
