package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/framework"
	"github.com/danmuck/scenelink/internal/logging"
	"github.com/danmuck/scenelink/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "scenelinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	logging.ConfigureRuntime()
	opts, err := parseOptions(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}

	f, err := framework.New(cfg)
	if err != nil {
		return err
	}
	defer f.Close()
	observability.InitLogger(f.Identity().Name())
	log.Info().Str("config", path).Str("admin", f.AdminAddr()).Msg("scenelinkd started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := connect(ctx, f, cfg.Comm.Backoff); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGHUP)
	defer signal.Stop(dump)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scenelinkd shutting down")
			return nil
		case <-dump:
			f.LogConnectionInformation()
		}
	}
}

// connect retries an unreachable daemon with the transport backoff until ctx
// ends. Any other failure is returned.
func connect(ctx context.Context, f *framework.Framework, backoff comm.BackoffConfig) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		err := f.Connect(ctx)
		if err == nil {
			f.LogConnectionInformation()
			return nil
		}
		if !errors.Is(err, framework.ErrDaemonUnreachable) {
			return err
		}
		delay := comm.NextBackoffDelay(backoff, attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("scenelinkd connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
