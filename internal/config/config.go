// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"htpsniff/internal/htp"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "HTPSNIFF_"

// Config holds process settings.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Parser limits
	FieldLimitHard      int    `env:"FIELD_LIMIT_HARD"      envDefault:"18000"`
	FieldLimitSoft      int    `env:"FIELD_LIMIT_SOFT"      envDefault:"9000"`
	MaxHeaders          int    `env:"MAX_HEADERS"           envDefault:"256"`
	ParserLogLevel      string `env:"PARSER_LOG_LEVEL"      envDefault:"notice"`
	Decompress          bool   `env:"DECOMPRESS"            envDefault:"true"`
	MaxDecompressedSize int64  `env:"MAX_DECOMPRESSED_SIZE" envDefault:"16777216"`

	// Reassembly
	ServerPorts   []uint16      `env:"SERVER_PORTS"   envDefault:"80,8000,8080,3128"`
	SnapLen       int           `env:"SNAP_LEN"       envDefault:"65535"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"30s"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"htpsniff"`
}

// Load reads the given env files, or ./.env when none is named, then parses
// variables carrying prefix. Only a missing default .env is tolerated.
func Load(prefix string, files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Parser builds the parser configuration. Decompressor factory and hooks
// are left to the caller.
func (c Config) Parser(logger *slog.Logger) (*htp.Config, error) {
	pc := htp.DefaultConfig()
	pc.FieldLimitHard = c.FieldLimitHard
	pc.FieldLimitSoft = c.FieldLimitSoft
	pc.MaxHeaders = c.MaxHeaders
	pc.ResponseDecompression = c.Decompress
	pc.MaxDecompressedSize = c.MaxDecompressedSize
	pc.LogLevel = htp.ParseLogLevel(c.ParserLogLevel)
	pc.Logger = logger
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return pc, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
