// Package config loads the relay server settings from the environment and
// optional .env files.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/cyberinferno/go-relay/logger"
)

// ErrInvalidConfig is returned when a setting fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

const defaultEnvFile = ".env"

var validate = validator.New()

// Config holds every RELAY_* setting.
type Config struct {
	Host                 string        `env:"RELAY_HOST,default=0.0.0.0" validate:"required"`
	Port                 int           `env:"RELAY_PORT,default=5000" validate:"min=0,max=65535"`
	MaxSessions          int           `env:"RELAY_MAX_SESSIONS,default=0" validate:"min=0"`
	MaxFrameSize         int           `env:"RELAY_MAX_FRAME_SIZE,default=65536" validate:"min=64,max=16777216"`
	WriteTimeout         time.Duration `env:"RELAY_WRITE_TIMEOUT,default=5s" validate:"gt=0"`
	BroadcastParallelism int           `env:"RELAY_BROADCAST_PARALLELISM,default=16" validate:"min=1"`
	DirectoryCacheTTL    time.Duration `env:"RELAY_DIRECTORY_CACHE_TTL,default=30s" validate:"gt=0"`
	LogLevel             string        `env:"RELAY_LOG_LEVEL,default=info" validate:"oneof=debug info warn warning error"`
	LogFormat            string        `env:"RELAY_LOG_FORMAT,default=json" validate:"oneof=json console"`
	LogDir               string        `env:"RELAY_LOG_DIR"`
	AdminAddr            string        `env:"RELAY_ADMIN_ADDR" validate:"omitempty,hostname_port"`
}

// Load reads the configuration from the process environment. Values found in
// files fill in keys the environment does not set; with no files, a .env in
// the working directory is used when present.
//
// Returns:
//   - The validated Config
//   - An error if a file cannot be read, a value cannot be parsed, or
//     validation fails (wrapping ErrInvalidConfig)
func Load(files ...string) (Config, error) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if len(files) == 0 {
		if _, err := os.Stat(defaultEnvFile); err == nil {
			files = []string{defaultEnvFile}
		}
	}

	if len(files) > 0 {
		fromFiles, err := godotenv.Read(files...)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read env files: %w", err)
		}

		for k, v := range fromFiles {
			if _, ok := es[k]; !ok {
				es[k] = v
			}
		}
	}

	return FromEnvSet(es)
}

// FromEnvSet builds a Config from an explicit set of variables.
func FromEnvSet(es env.EnvSet) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoggerOptions converts the logging settings for logger.New.
func (c Config) LoggerOptions(service string) (logger.Options, error) {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return logger.Options{
		Service: service,
		Level:   level,
		Format:  logger.Format(c.LogFormat),
		Dir:     c.LogDir,
	}, nil
}
