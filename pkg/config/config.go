// Package config provides configuration loading, validation, and encrypted
// secrets management for the sidecar. Configuration lives in a YAML file;
// secrets (provider API keys, realtime token) live in an encrypted sidecar
// file with environment-variable fallbacks.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Chat store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultFileName is looked up when no -config flag is given.
const DefaultFileName = "tandem.yaml"

// AgentConfig identifies this sidecar instance.
type AgentConfig struct {
	ID   string `yaml:"id"`   // bot id that dispatch rows are addressed to
	Name string `yaml:"name"` // speaker name used on the coordination stream
}

// ChatConfig points at the chat backend's row store.
type ChatConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	DSN         string `yaml:"dsn"`
	CoordChatID string `yaml:"coord_chat_id"` // shared coordination chat
	MaxMsgChars int    `yaml:"max_msg_chars"` // outbound message truncation
}

// RealtimeConfig points at the websocket fan-out endpoint. The bearer token
// comes from the secret REALTIME_TOKEN, never from YAML.
type RealtimeConfig struct {
	URL string `yaml:"url"`
}

// GatewayConfig selects models and bounds gateway calls.
type GatewayConfig struct {
	Model         string `yaml:"model"`      // proposal + reply authoring
	FastModel     string `yaml:"fast_model"` // stateless fast calls
	OllamaHost    string `yaml:"ollama_host"`
	MaxTokens     int    `yaml:"max_tokens"`
	SessionBudget int    `yaml:"session_budget_tokens"` // per-session history cap
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// CoordinationConfig carries the negotiation constants.
type CoordinationConfig struct {
	Enabled            *bool   `yaml:"enabled"`
	MaxRoundMS         int     `yaml:"max_round_ms"`
	CleanupMS          int     `yaml:"cleanup_ms"`
	DedupIDTTLMS       int     `yaml:"dedup_id_ttl_ms"`
	DedupContentTTLMS  int     `yaml:"dedup_content_ttl_ms"`
	GatewayInflightMax int     `yaml:"gateway_inflight_max"`
	Layer2InflightMax  int     `yaml:"layer2_inflight_max"`
	DepthCap           int     `yaml:"depth_cap"`
	ConfidenceGap      float64 `yaml:"confidence_gap"`
	Overlap            float64 `yaml:"overlap"`
	High               float64 `yaml:"high"`
	Low                float64 `yaml:"low"`
	Synth              float64 `yaml:"synth"`
	Epsilon            float64 `yaml:"epsilon"`
}

// HolderConfig bounds the pending-dispatch holder.
type HolderConfig struct {
	BackstopMS      int `yaml:"backstop_ms"`
	DeferBackstopMS int `yaml:"defer_backstop_ms"`
	SynthesisWaitMS int `yaml:"synthesis_wait_ms"`
	SummaryPollMS   int `yaml:"summary_poll_ms"`
	DispatchedTTLMS int `yaml:"dispatched_ttl_ms"`
}

// InboundConfig bounds the reliable-inbound layer.
type InboundConfig struct {
	PollMS   int `yaml:"poll_ms"`
	HealthMS int `yaml:"health_ms"`
}

// BackoffConfig shapes the reconnect supervisor's delay curve.
type BackoffConfig struct {
	InitialMS int     `yaml:"initial"`
	MaxMS     int     `yaml:"max"`
	Factor    float64 `yaml:"factor"`
	Jitter    float64 `yaml:"jitter"`
}

// MetricsConfig controls the metrics/health listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// EventLogConfig controls the coordination traffic log. Empty Dir disables it.
type EventLogConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig mirrors the DEBUG / DEBUG_DOMAINS env controls.
type LogConfig struct {
	Debug   bool     `yaml:"debug"`
	Domains []string `yaml:"domains"`
}

// Config is the root configuration.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Chat         ChatConfig         `yaml:"chat"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Holder       HolderConfig       `yaml:"holder"`
	Inbound      InboundConfig      `yaml:"inbound"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	EventLog     EventLogConfig     `yaml:"eventlog"`
	Log          LogConfig          `yaml:"log"`
}

// Load reads, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a fully defaulted config with the given identity. Used by
// tests and by -init-secrets before a config file exists.
func Default(agentID, agentName string) *Config {
	cfg := &Config{
		Agent: AgentConfig{ID: agentID, Name: agentName},
		Chat: ChatConfig{
			Driver:      DriverSQLite,
			DSN:         "tandem.db",
			CoordChatID: "coordination",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Chat.Driver == "" {
		c.Chat.Driver = DriverSQLite
	}
	if c.Chat.MaxMsgChars == 0 {
		c.Chat.MaxMsgChars = 4096
	}

	if c.Gateway.MaxTokens == 0 {
		c.Gateway.MaxTokens = 1024
	}
	if c.Gateway.SessionBudget == 0 {
		c.Gateway.SessionBudget = 6000
	}
	if c.Gateway.TimeoutMS == 0 {
		c.Gateway.TimeoutMS = 15000
	}
	if c.Gateway.OllamaHost == "" {
		c.Gateway.OllamaHost = "http://localhost:11434"
	}

	if c.Coordination.Enabled == nil {
		enabled := true
		c.Coordination.Enabled = &enabled
	}
	if c.Coordination.MaxRoundMS == 0 {
		c.Coordination.MaxRoundMS = 15000
	}
	if c.Coordination.CleanupMS == 0 {
		c.Coordination.CleanupMS = 30000
	}
	if c.Coordination.DedupIDTTLMS == 0 {
		c.Coordination.DedupIDTTLMS = 720000
	}
	if c.Coordination.DedupContentTTLMS == 0 {
		c.Coordination.DedupContentTTLMS = 5000
	}
	if c.Coordination.GatewayInflightMax == 0 {
		c.Coordination.GatewayInflightMax = 3
	}
	if c.Coordination.Layer2InflightMax == 0 {
		c.Coordination.Layer2InflightMax = 2
	}
	if c.Coordination.DepthCap == 0 {
		c.Coordination.DepthCap = 6
	}
	if c.Coordination.ConfidenceGap == 0 {
		c.Coordination.ConfidenceGap = 0.3
	}
	if c.Coordination.Overlap == 0 {
		c.Coordination.Overlap = 0.5
	}
	if c.Coordination.High == 0 {
		c.Coordination.High = 0.5
	}
	if c.Coordination.Low == 0 {
		c.Coordination.Low = 0.3
	}
	if c.Coordination.Synth == 0 {
		c.Coordination.Synth = 0.7
	}
	if c.Coordination.Epsilon == 0 {
		c.Coordination.Epsilon = 0.01
	}

	if c.Holder.BackstopMS == 0 {
		c.Holder.BackstopMS = 10000
	}
	if c.Holder.DeferBackstopMS == 0 {
		c.Holder.DeferBackstopMS = 8000
	}
	if c.Holder.SynthesisWaitMS == 0 {
		c.Holder.SynthesisWaitMS = 15000
	}
	if c.Holder.SummaryPollMS == 0 {
		c.Holder.SummaryPollMS = 500
	}
	if c.Holder.DispatchedTTLMS == 0 {
		c.Holder.DispatchedTTLMS = 60000
	}

	if c.Inbound.PollMS == 0 {
		c.Inbound.PollMS = 5000
	}
	if c.Inbound.HealthMS == 0 {
		c.Inbound.HealthMS = 60000
	}

	if c.Backoff.InitialMS == 0 {
		c.Backoff.InitialMS = 2000
	}
	if c.Backoff.MaxMS == 0 {
		c.Backoff.MaxMS = 60000
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = 2
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = 0.2
	}
}

// Validate returns the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.ID) == "" {
		return fmt.Errorf("agent.id is required")
	}
	if strings.TrimSpace(c.Agent.Name) == "" {
		return fmt.Errorf("agent.name is required")
	}

	if c.Chat.Driver != DriverSQLite && c.Chat.Driver != DriverPostgres {
		return fmt.Errorf("chat.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Chat.Driver)
	}
	if strings.TrimSpace(c.Chat.DSN) == "" {
		return fmt.Errorf("chat.dsn is required")
	}
	if strings.TrimSpace(c.Chat.CoordChatID) == "" {
		return fmt.Errorf("chat.coord_chat_id is required")
	}

	for name, v := range map[string]float64{
		"coordination.confidence_gap": c.Coordination.ConfidenceGap,
		"coordination.overlap":        c.Coordination.Overlap,
		"coordination.high":           c.Coordination.High,
		"coordination.low":            c.Coordination.Low,
		"coordination.synth":          c.Coordination.Synth,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if c.Coordination.Epsilon <= 0 || c.Coordination.Epsilon >= 1 {
		return fmt.Errorf("coordination.epsilon must be in (0,1), got %v", c.Coordination.Epsilon)
	}
	if c.Coordination.CleanupMS <= c.Coordination.MaxRoundMS {
		return fmt.Errorf("coordination.cleanup_ms (%d) must exceed max_round_ms (%d)",
			c.Coordination.CleanupMS, c.Coordination.MaxRoundMS)
	}

	if c.Backoff.Factor < 1 {
		return fmt.Errorf("backoff.factor must be >= 1, got %v", c.Backoff.Factor)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff.jitter must be in [0,1), got %v", c.Backoff.Jitter)
	}
	if c.Backoff.MaxMS < c.Backoff.InitialMS {
		return fmt.Errorf("backoff.max (%d) must be >= backoff.initial (%d)", c.Backoff.MaxMS, c.Backoff.InitialMS)
	}

	return nil
}

// CoordinationEnabled reports whether rounds run at all. When disabled the
// holder dispatches immediately.
func (c *Config) CoordinationEnabled() bool {
	return c.Coordination.Enabled == nil || *c.Coordination.Enabled
}

// Duration accessors for the timer-valued settings.

func (c CoordinationConfig) MaxRound() time.Duration   { return ms(c.MaxRoundMS) }
func (c CoordinationConfig) Cleanup() time.Duration    { return ms(c.CleanupMS) }
func (c CoordinationConfig) DedupIDTTL() time.Duration { return ms(c.DedupIDTTLMS) }
func (c CoordinationConfig) ContentTTL() time.Duration { return ms(c.DedupContentTTLMS) }
func (h HolderConfig) Backstop() time.Duration         { return ms(h.BackstopMS) }
func (h HolderConfig) DeferBackstop() time.Duration    { return ms(h.DeferBackstopMS) }
func (h HolderConfig) SynthesisWait() time.Duration    { return ms(h.SynthesisWaitMS) }
func (h HolderConfig) SummaryPoll() time.Duration      { return ms(h.SummaryPollMS) }
func (h HolderConfig) DispatchedTTL() time.Duration    { return ms(h.DispatchedTTLMS) }
func (i InboundConfig) Poll() time.Duration            { return ms(i.PollMS) }
func (i InboundConfig) Health() time.Duration          { return ms(i.HealthMS) }
func (b BackoffConfig) Initial() time.Duration         { return ms(b.InitialMS) }
func (b BackoffConfig) Max() time.Duration             { return ms(b.MaxMS) }
func (g GatewayConfig) Timeout() time.Duration         { return ms(g.TimeoutMS) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
