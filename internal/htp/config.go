package htp

import (
	"errors"
	"fmt"
	"log/slog"
)

// Default limits applied by DefaultConfig.
const (
	DefaultFieldLimitHard      = 18000
	DefaultFieldLimitSoft      = 9000
	DefaultMaxHeaders          = 256
	DefaultMaxPendingBytes     = 64 << 10
	DefaultMaxDecompressedSize = 16 << 20
)

// Decompressor turns encoded response body bytes into decoded bytes. One
// instance serves a single body and is released exactly once.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
	Release() error
}

// Flusher is implemented by decompressors that buffer output until the
// encoded stream is known to be complete.
type Flusher interface {
	Flush() ([]byte, error)
}

// HookFunc receives events in the order the state machines produce them.
type HookFunc func(ev Event)

// Config holds parser settings. A Config is shared by every parser created
// from it and must not be modified once parsers exist.
type Config struct {
	// FieldLimitHard bounds a single protocol line. Longer lines are truncated.
	FieldLimitHard int
	// FieldLimitSoft triggers a warning for lines longer than it.
	FieldLimitSoft int
	// MaxHeaders is the number of header lines kept per header block.
	MaxHeaders int
	// MaxPendingBytes bounds inbound data buffered while a CONNECT
	// request waits for its response.
	MaxPendingBytes int

	ResponseDecompression bool
	MaxDecompressedSize   int64
	// NewDecompressor is passed MaxDecompressedSize as limit. A decompressor
	// that stops at the limit returns an error after yielding limit bytes.
	NewDecompressor func(codings []string, limit int64) (Decompressor, error)

	// LogLevel is the least severe level recorded in the connection log.
	LogLevel LogLevel
	Logger   *slog.Logger

	hooks [eventKindCount][]HookFunc
}

// DefaultConfig returns a Config with the default limits and no decompressor
// factory.
func DefaultConfig() *Config {
	return &Config{
		FieldLimitHard:        DefaultFieldLimitHard,
		FieldLimitSoft:        DefaultFieldLimitSoft,
		MaxHeaders:            DefaultMaxHeaders,
		MaxPendingBytes:       DefaultMaxPendingBytes,
		ResponseDecompression: true,
		MaxDecompressedSize:   DefaultMaxDecompressedSize,
		LogLevel:              LogNotice,
	}
}

// Validate checks the limits for consistency.
func (c *Config) Validate() error {
	if c.FieldLimitHard <= 0 {
		return errors.New("htp: field limit hard must be positive")
	}
	if c.FieldLimitSoft < 0 || c.FieldLimitSoft > c.FieldLimitHard {
		return fmt.Errorf("htp: field limit soft %d outside [0, %d]", c.FieldLimitSoft, c.FieldLimitHard)
	}
	if c.MaxHeaders < 0 {
		return errors.New("htp: max headers must not be negative")
	}
	if c.MaxPendingBytes < 0 {
		return errors.New("htp: max pending bytes must not be negative")
	}
	if c.MaxDecompressedSize < 0 {
		return errors.New("htp: max decompressed size must not be negative")
	}
	return nil
}

// RegisterHook adds fn to the callbacks invoked for events of the given kind.
func (c *Config) RegisterHook(kind EventKind, fn HookFunc) {
	if kind < 0 || kind >= eventKindCount || fn == nil {
		return
	}
	c.hooks[kind] = append(c.hooks[kind], fn)
}

func (c *Config) softLimit() int {
	if c.FieldLimitSoft <= 0 || c.FieldLimitSoft > c.FieldLimitHard {
		return c.FieldLimitHard
	}
	return c.FieldLimitSoft
}
