package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/scenelink/internal/config"
	"github.com/danmuck/scenelink/internal/framework"
)

const (
	envConfigPath     = "SCENELINK_CONFIG"
	defaultConfigPath = "cmd/scenelinkd/config.toml"
)

type options struct {
	configPath string
	// explicit is set when the path came from a flag or the environment, in
	// which case a missing file is an error.
	explicit bool
	name     string
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("scenelinkd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "config path (default $"+envConfigPath+" or "+defaultConfigPath+")")
	name := fs.String("name", "", "participant name override")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts := options{configPath: strings.TrimSpace(*path), name: strings.TrimSpace(*name)}
	switch {
	case opts.configPath != "":
		opts.explicit = true
	case strings.TrimSpace(os.Getenv(envConfigPath)) != "":
		opts.configPath = strings.TrimSpace(os.Getenv(envConfigPath))
		opts.explicit = true
	default:
		opts.configPath = defaultConfigPath
	}
	return opts, nil
}

// loadConfig reads the configured file, falling back to defaults only when
// the implicit default path does not exist.
func loadConfig(opts options) (framework.Config, string, error) {
	cfg, err := config.Load(opts.configPath)
	switch {
	case err == nil:
	case !opts.explicit && errors.Is(err, os.ErrNotExist):
		cfg = framework.DefaultConfig()
		opts.configPath = ""
	default:
		return framework.Config{}, "", err
	}
	if opts.name != "" {
		cfg.ParticipantName = opts.name
	}
	if err := cfg.Validate(); err != nil {
		return framework.Config{}, "", fmt.Errorf("scenelinkd config: %w", err)
	}
	return cfg, opts.configPath, nil
}
