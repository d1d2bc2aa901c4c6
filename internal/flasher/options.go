package flasher

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the client configuration.
type Config struct {
	// Logger receives command level events
	Logger logrus.FieldLogger

	// Timeout bounds a single command exchange
	Timeout time.Duration

	// OperationTimeout bounds busy polling after erase and verify
	OperationTimeout time.Duration

	// PollInterval is the first delay between STATUS polls
	PollInterval time.Duration

	// Retries is the number of extra attempts for a transient failure
	Retries int

	// MTU caps frames below the port MTU (0 uses the port MTU)
	MTU int
}

func defaultConfig() Config {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return Config{
		Logger:           log,
		Timeout:          2 * time.Second,
		OperationTimeout: 30 * time.Second,
		PollInterval:     50 * time.Millisecond,
		Retries:          3,
	}
}

// Option is a functional option for configuring the Client.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

// WithTimeout sets the per-command timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithOperationTimeout sets how long erase and verify may stay busy.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.OperationTimeout = timeout
		}
	}
}

// WithPollInterval sets the initial STATUS poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval > 0 {
			c.PollInterval = interval
		}
	}
}

// WithRetries sets the retry budget for transient failures.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithMTU limits frames to less than the port allows.
func WithMTU(mtu int) Option {
	return func(c *Config) {
		if mtu > 0 {
			c.MTU = mtu
		}
	}
}
