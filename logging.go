//go:build linux

package ioengine

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	defaultLoggerOnce sync.Once
	defaultLoggerInst *log.Logger
)

// defaultLogger returns the package's lazily-built default logger: a
// charmbracelet/log logger at WarnLevel so a Ring is usable with zero
// configuration, writing to stderr like the rest of the pack's CLI tools.
func defaultLogger() *log.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLoggerInst = log.NewWithOptions(os.Stderr, log.Options{
			Level:  log.WarnLevel,
			Prefix: "ioengine",
		})
	})
	return defaultLoggerInst
}

// WithLogger overrides the Ring's logger. Pass a logger at log.DebugLevel
// to see ring setup and buffer-ring registration events; wait-adapter
// retries are not logged.
func WithLogger(l *log.Logger) Option {
	return func(c *ringConfig) {
		c.logger = l
	}
}
