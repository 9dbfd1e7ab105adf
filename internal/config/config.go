package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Token    TokenConfig    `mapstructure:"token"`
	Health   HealthConfig   `mapstructure:"health"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
	Issuer        string        `mapstructure:"issuer"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ProxyConfig holds provider endpoint configuration
type ProxyConfig struct {
	AnthropicURL string `mapstructure:"anthropic_url"`
	ZaiURL       string `mapstructure:"zai_url"`
	OpenAIURL    string `mapstructure:"openai_url"`
}

// TokenConfig holds OAuth token lifecycle configuration
type TokenConfig struct {
	SafetyWindow      time.Duration `mapstructure:"safety_window"`
	Backoff           time.Duration `mapstructure:"backoff"`
	FailureTTL        time.Duration `mapstructure:"failure_ttl"`
	MaxFailureRecords int           `mapstructure:"max_failure_records"`
	MaxBackoffRetries int           `mapstructure:"max_backoff_retries"`
	ClientID          string        `mapstructure:"client_id"`
}

// HealthConfig holds refresh-token health monitor configuration
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	WarningAge    time.Duration `mapstructure:"warning_age"`
	CriticalAge   time.Duration `mapstructure:"critical_age"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// SinkConfig holds post-processor configuration
type SinkConfig struct {
	UsageBufferBytes int           `mapstructure:"usage_buffer_bytes"`
	OrphanTimeout    time.Duration `mapstructure:"orphan_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
}

// RefreshConfig holds auto-refresh scheduler configuration
type RefreshConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Tick             time.Duration `mapstructure:"tick"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// StrategyConfig holds account selection configuration
type StrategyConfig struct {
	Name            string        `mapstructure:"name"` // "session" or "round_robin"
	SessionDuration time.Duration `mapstructure:"session_duration"`
}

// OAuthConfig holds the interactive OAuth flow configuration
type OAuthConfig struct {
	AuthorizeURL string        `mapstructure:"authorize_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	StateWindow  time.Duration `mapstructure:"state_window"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults - Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 600)

	// Set defaults - JWT
	viper.SetDefault("jwt.default_expiry", "720h")
	viper.SetDefault("jwt.issuer", "ccflare")

	// Set defaults - Storage
	viper.SetDefault("storage.db_path", "./ccflare.db")

	// Set defaults - Proxy
	viper.SetDefault("proxy.anthropic_url", "https://api.anthropic.com")
	viper.SetDefault("proxy.zai_url", "https://api.z.ai/api/anthropic")
	viper.SetDefault("proxy.openai_url", "https://api.openai.com")

	// Set defaults - Token lifecycle
	viper.SetDefault("token.safety_window", "30m")
	viper.SetDefault("token.backoff", "60s")
	viper.SetDefault("token.failure_ttl", "5m")
	viper.SetDefault("token.max_failure_records", 1000)
	viper.SetDefault("token.max_backoff_retries", 10)
	viper.SetDefault("token.client_id", "9d1c250a-e61b-44d9-88ed-5944d1962f5e")

	// Set defaults - Health
	viper.SetDefault("health.check_interval", "6h")
	viper.SetDefault("health.warning_age", "168h") // 7 days
	viper.SetDefault("health.critical_age", "72h") // 3 days
	viper.SetDefault("health.max_age", "2160h")    // 90 days

	// Set defaults - Sink
	viper.SetDefault("sink.usage_buffer_bytes", 64*1024)
	viper.SetDefault("sink.orphan_timeout", "30s")
	viper.SetDefault("sink.queue_size", 10000)

	// Set defaults - Auto refresh
	viper.SetDefault("refresh.enabled", true)
	viper.SetDefault("refresh.tick", "60s")
	viper.SetDefault("refresh.failure_threshold", 5)

	// Set defaults - Strategy
	viper.SetDefault("strategy.name", "session")
	viper.SetDefault("strategy.session_duration", "5h")

	// Set defaults - OAuth
	viper.SetDefault("oauth.authorize_url", "https://claude.ai/oauth/authorize")
	viper.SetDefault("oauth.token_url", "https://console.anthropic.com/v1/oauth/token")
	viper.SetDefault("oauth.client_id", "9d1c250a-e61b-44d9-88ed-5944d1962f5e")
	viper.SetDefault("oauth.redirect_uri", "https://console.anthropic.com/oauth/code/callback")
	viper.SetDefault("oauth.session_ttl", "10m")
	viper.SetDefault("oauth.state_window", "5m")

	// Environment variable support
	viper.SetEnvPrefix("CCFLARE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults and env vars
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	parseDurations(cfg)

	return cfg, nil
}

// parseDurations parses duration strings from viper
func parseDurations(cfg *Config) {
	if d, err := time.ParseDuration(viper.GetString("jwt.default_expiry")); err == nil {
		cfg.JWT.DefaultExpiry = d
	}

	if d, err := time.ParseDuration(viper.GetString("token.safety_window")); err == nil {
		cfg.Token.SafetyWindow = d
	}
	if d, err := time.ParseDuration(viper.GetString("token.backoff")); err == nil {
		cfg.Token.Backoff = d
	}
	if d, err := time.ParseDuration(viper.GetString("token.failure_ttl")); err == nil {
		cfg.Token.FailureTTL = d
	}

	if d, err := time.ParseDuration(viper.GetString("health.check_interval")); err == nil {
		cfg.Health.CheckInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("health.warning_age")); err == nil {
		cfg.Health.WarningAge = d
	}
	if d, err := time.ParseDuration(viper.GetString("health.critical_age")); err == nil {
		cfg.Health.CriticalAge = d
	}
	if d, err := time.ParseDuration(viper.GetString("health.max_age")); err == nil {
		cfg.Health.MaxAge = d
	}

	if d, err := time.ParseDuration(viper.GetString("sink.orphan_timeout")); err == nil {
		cfg.Sink.OrphanTimeout = d
	}

	if d, err := time.ParseDuration(viper.GetString("refresh.tick")); err == nil {
		cfg.Refresh.Tick = d
	}

	if d, err := time.ParseDuration(viper.GetString("strategy.session_duration")); err == nil {
		cfg.Strategy.SessionDuration = d
	}

	if d, err := time.ParseDuration(viper.GetString("oauth.session_ttl")); err == nil {
		cfg.OAuth.SessionTTL = d
	}
	if d, err := time.ParseDuration(viper.GetString("oauth.state_window")); err == nil {
		cfg.OAuth.StateWindow = d
	}
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
