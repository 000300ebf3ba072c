package mailbox

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
)

const (
	DefaultSuccessInterval = 5 * time.Second
	DefaultErrorInterval   = 15 * time.Second
	DefaultMinInterval     = time.Second
	DefaultTimeout         = 30 * time.Second
	DefaultChannelCapacity = 100
)

// Config holds the polling schedule of a Manager.
type Config struct {
	// SuccessInterval is the wait after a cycle that reconciled cleanly.
	SuccessInterval time.Duration `yaml:"success_interval"`

	// ErrorInterval is the wait after a failed cycle, or a cycle that had
	// no relay or no topic to work with.
	ErrorInterval time.Duration `yaml:"error_interval"`

	// MinInterval is the least time between the starts of two cycles,
	// triggered or not.
	MinInterval time.Duration `yaml:"min_interval"`

	// Timeout bounds one background cycle.
	Timeout time.Duration `yaml:"timeout"`

	// ChannelCapacity is the buffer of each subscription channel.
	ChannelCapacity int `yaml:"channel_capacity"`

	Logger  *logging.Logger   `yaml:"-"`
	Metrics metrics.Collector `yaml:"-"`
}

// DefaultConfig polls every 5s while healthy and every 15s after a failure.
func DefaultConfig() Config {
	var c Config
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.SuccessInterval == 0 {
		c.SuccessInterval = DefaultSuccessInterval
	}
	if c.ErrorInterval == 0 {
		c.ErrorInterval = DefaultErrorInterval
	}
	if c.MinInterval == 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = DefaultChannelCapacity
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOp{}
	}
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	if c.SuccessInterval < 0 || c.ErrorInterval < 0 || c.MinInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.ChannelCapacity < 0 {
		return fmt.Errorf("channel capacity must not be negative")
	}
	return nil
}
