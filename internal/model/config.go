// Package model defines the data structures for the broker's configuration,
// routing state and report snapshots.
package model

import "time"

type Config struct {
	Broker   BrokerConfig    `yaml:"broker"`
	Timing   TimingConfig    `yaml:"timing"`
	Messages MessagesConfig  `yaml:"messages"`
	Admin    AdminConfig     `yaml:"admin"`
	Backends []BackendConfig `yaml:"backends"`
	Logging  LoggingConfig   `yaml:"logging"`
	Audit    AuditConfig     `yaml:"audit"`
	Daemon   DaemonConfig    `yaml:"daemon"`
}

type BrokerConfig struct {
	PrivateKeyPath string   `yaml:"private_key_path"` // relative to the broker dir
	ListenAddr     string   `yaml:"listen_addr"`
	OperatorPath   string   `yaml:"operator_path"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
	QueueSize      int      `yaml:"queue_size"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// TimingConfig holds every deadline in units; UnitMs sets the length of a unit.
type TimingConfig struct {
	UnitMs           int `yaml:"unit_ms"`
	ProbeAfter       int `yaml:"probe_after"`
	HardTimeout      int `yaml:"hard_timeout"`
	GraceWindow      int `yaml:"grace_window"`
	RingWindow       int `yaml:"ring_window"`
	RingClientMargin int `yaml:"ring_client_margin"`
}

// ClientMargin returns the ring client margin in units, zero when disabled.
func (t TimingConfig) ClientMargin() int {
	if t.RingClientMargin < 0 {
		return 0
	}
	return t.RingClientMargin
}

type MessagesConfig struct {
	Ringing         string `yaml:"ringing"`
	NoOperators     string `yaml:"no_operators_available"`
	RingTimedOut    string `yaml:"ring_timed_out"`
	OperatorDropped string `yaml:"operator_dropped"`
	PasswordPrompt  string `yaml:"password_prompt"`
	AdminWelcome    string `yaml:"admin_welcome"`
}

type AdminConfig struct {
	Trigger    string `yaml:"trigger"`
	Passphrase string `yaml:"passphrase"`
}

type BackendConfig struct {
	Name              string            `yaml:"name"`
	Kind              string            `yaml:"kind"`
	Path              string            `yaml:"path"`
	WithoutChatStates bool              `yaml:"without_chat_states"`
	ChatStateMap      map[string]string `yaml:"chat_state_map,omitempty"`
	Filters           []FilterRule      `yaml:"filters,omitempty"`
	RatePerSec        float64           `yaml:"rate_per_sec"`
	Burst             int               `yaml:"burst"`
}

// FilterRule is one entry of a backend's substitution table.
// Kind is one of html_unescape, redact, normalize.
type FilterRule struct {
	Kind    string `yaml:"kind"`
	Match   string `yaml:"match,omitempty"`
	Replace string `yaml:"replace,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AuditConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

const BackendKindWebchat = "webchat"

var defaultChatStateMap = map[string]string{
	"active":    "idle",
	"composing": "typing",
}

// DefaultChatStateMap returns a fresh copy of the backend to operator
// chat-state vocabulary used when a backend declares none.
func DefaultChatStateMap() map[string]string {
	m := make(map[string]string, len(defaultChatStateMap))
	for k, v := range defaultChatStateMap {
		m[k] = v
	}
	return m
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Broker.PrivateKeyPath == "" {
		c.Broker.PrivateKeyPath = "keys/broker.pem"
	}
	if c.Broker.ListenAddr == "" {
		c.Broker.ListenAddr = "127.0.0.1:8420"
	}
	if c.Broker.OperatorPath == "" {
		c.Broker.OperatorPath = "/operator"
	}
	if c.Broker.PollIntervalMs <= 0 {
		c.Broker.PollIntervalMs = 100
	}
	if c.Broker.QueueSize <= 0 {
		c.Broker.QueueSize = 256
	}

	if c.Timing.UnitMs <= 0 {
		c.Timing.UnitMs = 1000
	}
	if c.Timing.ProbeAfter <= 0 {
		c.Timing.ProbeAfter = 10
	}
	if c.Timing.HardTimeout <= 0 {
		c.Timing.HardTimeout = 20
	}
	if c.Timing.GraceWindow <= 0 {
		c.Timing.GraceWindow = 60
	}
	if c.Timing.RingWindow <= 0 {
		c.Timing.RingWindow = 60
	}
	// A negative margin disables it and is kept as -1 so a second pass
	// does not restore the default.
	switch {
	case c.Timing.RingClientMargin < 0:
		c.Timing.RingClientMargin = -1
	case c.Timing.RingClientMargin == 0:
		c.Timing.RingClientMargin = 5
	}
	if c.Timing.RingClientMargin >= c.Timing.RingWindow {
		c.Timing.RingClientMargin = c.Timing.RingWindow - 1
	}

	if c.Messages.Ringing == "" {
		c.Messages.Ringing = "Hi, we're finding someone for you to talk to. Hang on a moment."
	}
	if c.Messages.NoOperators == "" {
		c.Messages.NoOperators = "Sorry, nobody is available to talk right now. Please try again later."
	}
	if c.Messages.RingTimedOut == "" {
		c.Messages.RingTimedOut = "Sorry, nobody picked up. Please try again in a little while."
	}
	if c.Messages.OperatorDropped == "" {
		c.Messages.OperatorDropped = "Your listener has been disconnected. Send a new message to talk to someone else."
	}
	if c.Messages.PasswordPrompt == "" {
		c.Messages.PasswordPrompt = "Password please..."
	}
	if c.Messages.AdminWelcome == "" {
		c.Messages.AdminWelcome = "Enter commands(Hint:'help'):"
	}

	backends := make([]BackendConfig, len(c.Backends))
	for i, b := range c.Backends {
		if b.Kind == "" {
			b.Kind = BackendKindWebchat
		}
		if b.Path == "" {
			b.Path = "/chat/" + b.Name
		}
		if len(b.ChatStateMap) == 0 {
			b.ChatStateMap = DefaultChatStateMap()
		}
		if b.RatePerSec <= 0 {
			b.RatePerSec = 2
		}
		if b.Burst <= 0 {
			b.Burst = 5
		}
		backends[i] = b
	}
	c.Backends = backends

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Audit.MaxSizeBytes <= 0 {
		c.Audit.MaxSizeBytes = 10 * 1024 * 1024
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 10
	}
	return c
}

func (t TimingConfig) Unit() time.Duration {
	if t.UnitMs <= 0 {
		return time.Second
	}
	return time.Duration(t.UnitMs) * time.Millisecond
}

// Duration converts a count of units into wall time.
func (t TimingConfig) Duration(units int) time.Duration {
	return time.Duration(units) * t.Unit()
}

func (b BrokerConfig) PollInterval() time.Duration {
	if b.PollIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// Backend returns the named backend's config.
func (c Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}
