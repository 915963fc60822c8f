package framework

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/scenelink/internal/comm"
	"github.com/danmuck/scenelink/internal/participant"
	"github.com/danmuck/scenelink/internal/resource"
	"github.com/danmuck/scenelink/internal/taskqueue"
)

var ErrInvalidConfig = errors.New("framework: invalid config")

// Config is the immutable snapshot a Framework is built from.
type Config struct {
	// ParticipantName defaults to "<program>_<TRANSPORT>".
	ParticipantName string
	// GUID pins the participant id; empty means generate one.
	GUID                string
	Comm                comm.Config
	Tasks               taskqueue.Config
	Resources           resource.Config
	PeriodicLogInterval time.Duration
	// AdminListenAddr enables the admin HTTP server when set.
	AdminListenAddr string
	// AdminToken requires "Authorization: Bearer <token>" on every admin
	// route except /health.
	AdminToken string
}

func DefaultConfig() Config {
	return Config{
		Comm:                comm.DefaultConfig(),
		Tasks:               taskqueue.DefaultConfig(),
		Resources:           resource.DefaultConfig(),
		PeriodicLogInterval: 10 * time.Second,
	}
}

func (c Config) Validate() error {
	if err := c.Comm.Validate(); err != nil {
		return err
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("%w: workers must be > 0", ErrInvalidConfig)
	}
	if c.Tasks.Watchdog.Timeout < 0 || c.Tasks.Watchdog.CheckInterval < 0 {
		return fmt.Errorf("%w: watchdog durations must be >= 0", ErrInvalidConfig)
	}
	if c.Resources.MaxBytesInFlight == 0 {
		return fmt.Errorf("%w: resources.max_bytes_in_flight must be > 0", ErrInvalidConfig)
	}
	if c.PeriodicLogInterval < 0 {
		return fmt.Errorf("%w: periodic_log_interval must be >= 0", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.GUID) != "" {
		if _, err := participant.ParseID(c.GUID); err != nil {
			return fmt.Errorf("%w: guid: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// identity resolves the configured or generated participant identity.
func (c Config) identity() (participant.Identity, error) {
	id := participant.NewID()
	if strings.TrimSpace(c.GUID) != "" {
		parsed, err := participant.ParseID(c.GUID)
		if err != nil {
			return participant.Identity{}, err
		}
		id = parsed
	}
	name := strings.TrimSpace(c.ParticipantName)
	if name == "" {
		name = participant.DefaultName(os.Args[0], string(c.Comm.Kind))
	}
	return participant.NewIdentity(id, name)
}
