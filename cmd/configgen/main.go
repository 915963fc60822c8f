package main

import (
	"flag"

	"github.com/danmuck/scenelink/internal/config"
	"github.com/danmuck/scenelink/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/scenelinkd/config.toml"

func main() {
	logging.ConfigureRuntime()
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config invalid")
		}
		log.Info().
			Str("path", *input).
			Str("transport", string(cfg.Comm.Kind)).
			Int("workers", cfg.Tasks.Workers).
			Msg("validated scenelinkd config")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Msg("write config template")
	}
	log.Info().Str("path", *output).Msg("wrote scenelinkd config template")
}
