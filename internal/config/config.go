// Package config loads the agentlink YAML configuration with environment
// variable expansion, default application and validation.
package config

import "time"

// Config is the root configuration for an agentlink instance.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Negotiate NegotiateConfig `yaml:"negotiate"`
	Socket    SocketConfig    `yaml:"socket"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Retry     RetryConfig     `yaml:"retry"`
	Groups    GroupsConfig    `yaml:"groups"`
	Outbox    DBConfig        `yaml:"outbox"`
}

// IdentityConfig names the authentication subject connections are opened for.
type IdentityConfig struct {
	Account string `yaml:"account"`
}

// NegotiateConfig holds the credential issuer settings.
type NegotiateConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// SocketConfig holds per-connection transport settings.
type SocketConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

// ReconnectConfig holds the scheduled-reconnect backoff settings.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterMax    time.Duration `yaml:"jitter_max"`
}

// RetryConfig bounds the handshake and group-join retry windows.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// GroupsConfig holds group membership settings.
type GroupsConfig struct {
	// Join lists groups to join at startup, in addition to the
	// command-distribution group derived from the identity.
	Join []string `yaml:"join"`

	// Critical lists name fragments identifying groups that receive
	// escalated retry and recovery treatment.
	Critical []string `yaml:"critical"`
}

// DBConfig holds the durable fallback database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
