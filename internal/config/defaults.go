package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultNegotiateTimeout = 30 * time.Second

	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultPingTimeout    = 60 * time.Second

	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectJitterMax    = 1 * time.Second

	DefaultRetryMaxAttempts = 5
	DefaultRetryInterval    = 12 * time.Second
	DefaultRetryMaxElapsed  = 60 * time.Second

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 5
	DefaultMinConns  = 1
)

// DefaultCriticalGroups marks the command-distribution groups as critical.
var DefaultCriticalGroups = []string{"commands:"}

func (c *Config) applyDefaults() {
	if c.Negotiate.Timeout == 0 {
		c.Negotiate.Timeout = DefaultNegotiateTimeout
	}

	if c.Socket.DialTimeout == 0 {
		c.Socket.DialTimeout = DefaultDialTimeout
	}
	if c.Socket.RequestTimeout == 0 {
		c.Socket.RequestTimeout = DefaultRequestTimeout
	}
	if c.Socket.WriteTimeout == 0 {
		c.Socket.WriteTimeout = DefaultWriteTimeout
	}
	if c.Socket.PingInterval == 0 {
		c.Socket.PingInterval = DefaultPingInterval
	}
	if c.Socket.PingTimeout == 0 {
		c.Socket.PingTimeout = DefaultPingTimeout
	}

	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = DefaultReconnectInitialDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.JitterMax == 0 {
		c.Reconnect.JitterMax = DefaultReconnectJitterMax
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.Retry.Interval == 0 {
		c.Retry.Interval = DefaultRetryInterval
	}
	if c.Retry.MaxElapsed == 0 {
		c.Retry.MaxElapsed = DefaultRetryMaxElapsed
	}

	if len(c.Groups.Critical) == 0 {
		c.Groups.Critical = DefaultCriticalGroups
	}

	applyDBDefaults(&c.Outbox)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
