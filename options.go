package gwcore

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTunnelingAckTimeout is the per-attempt ack wait for tunneling sends.
	DefaultTunnelingAckTimeout = 1 * time.Second
	// DefaultTunnelingRetries is the retry budget for tunneling sends.
	DefaultTunnelingRetries = 3
	// DefaultDeviceMgmtAckTimeout is the per-attempt ack wait for device-management sends.
	DefaultDeviceMgmtAckTimeout = 10 * time.Second
	// DefaultDeviceMgmtRetries is the retry budget for device-management sends.
	DefaultDeviceMgmtRetries = 2

	// DefaultSessionDormancy is the inactivity threshold before a secure
	// session is swept.
	DefaultSessionDormancy = 2 * time.Minute
	// DefaultSweepInterval is how often the session store's sweeper runs.
	DefaultSweepInterval = 30 * time.Second

	// DefaultFastPoll is the polling interval a Loop uses while data is
	// actively flowing.
	DefaultFastPoll = 10 * time.Millisecond
	// DefaultIdlePoll is the steady-state polling interval for a Loop.
	DefaultIdlePoll = 250 * time.Millisecond
)

// Option configures a Store or DataEndpoint.
type Option func(*Config)

// Config holds the runtime knobs shared by the session store and the
// data-endpoint handlers it issues sessions to. Callers normally build
// one with ApplyOptions, layering functional overrides on the defaults.
type Config struct {
	metrics Metrics
	log     *logrus.Entry

	tunnelingAckTimeout  time.Duration
	tunnelingRetries     int
	deviceMgmtAckTimeout time.Duration
	deviceMgmtRetries    int

	sessionDormancy time.Duration
	sweepInterval   time.Duration

	fastPoll time.Duration
	idlePoll time.Duration
}

// defaultConfig returns a Config with library defaults.
func defaultConfig() *Config {
	return &Config{
		metrics:              NewDefaultMetrics(),
		log:                  logrus.NewEntry(logrus.StandardLogger()),
		tunnelingAckTimeout:  DefaultTunnelingAckTimeout,
		tunnelingRetries:     DefaultTunnelingRetries,
		deviceMgmtAckTimeout: DefaultDeviceMgmtAckTimeout,
		deviceMgmtRetries:    DefaultDeviceMgmtRetries,
		sessionDormancy:      DefaultSessionDormancy,
		sweepInterval:        DefaultSweepInterval,
		fastPoll:             DefaultFastPoll,
		idlePoll:             DefaultIdlePoll,
	}
}

// ApplyOptions builds a runtime Config by applying opts on top of defaults.
func ApplyOptions(opts ...Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// AckTimeout returns the per-attempt ack wait and retry budget for role.
func (c *Config) AckTimeout(role ChannelRole) (timeout time.Duration, retries int) {
	if role == RoleDeviceManagement {
		return c.deviceMgmtAckTimeout, c.deviceMgmtRetries
	}
	return c.tunnelingAckTimeout, c.tunnelingRetries
}

// WithMetrics sets a custom Metrics implementation.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the structured logger used for this store/handler.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTunnelingTimeout sets the ack wait and retry count for tunneling sends.
func WithTunnelingTimeout(d time.Duration, retries int) Option {
	return func(c *Config) {
		if d > 0 {
			c.tunnelingAckTimeout = d
		}
		if retries > 0 {
			c.tunnelingRetries = retries
		}
	}
}

// WithDeviceMgmtTimeout sets the ack wait and retry count for
// device-management sends.
func WithDeviceMgmtTimeout(d time.Duration, retries int) Option {
	return func(c *Config) {
		if d > 0 {
			c.deviceMgmtAckTimeout = d
		}
		if retries > 0 {
			c.deviceMgmtRetries = retries
		}
	}
}

// WithSessionDormancy sets the inactivity threshold before a session is swept.
func WithSessionDormancy(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.sessionDormancy = d
		}
	}
}

// WithSweepInterval sets how often the session store's sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}
