package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
	"gopkg.in/yaml.v3"
)

const configFileName = "autorun.yaml"

// Config represents the main configuration for the autorun daemon.
type Config struct {
	Server        ServerConfig         `yaml:"server" json:"server"`
	Backend       BackendConfig        `yaml:"backend" json:"backend"`
	Store         StoreConfig          `yaml:"store" json:"store"`
	AutoRun       AutoRunConfig        `yaml:"auto_run" json:"auto_run"`
	Agents        []models.AgentConfig `yaml:"agents" json:"agents"`
	Security      SecurityConfig       `yaml:"security" json:"security"`
	MessageBus    MessageBusConfig     `yaml:"message_bus" json:"message_bus"`
	Telemetry     TelemetryConfig      `yaml:"telemetry" json:"telemetry"`
	Logging       LoggingConfig        `yaml:"logging" json:"logging"`
	Notifications NotificationsConfig  `yaml:"notifications" json:"notifications"`
}

// ServerConfig configures the control API listener
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" json:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// BackendConfig points at the agent middleware and its companion services
type BackendConfig struct {
	URL               string        `yaml:"url" json:"url"`
	Password          string        `yaml:"password" json:"-"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	PollActive        time.Duration `yaml:"poll_active" json:"poll_active"`
	PollIdle          time.Duration `yaml:"poll_idle" json:"poll_idle"`
	RewardsURL        string        `yaml:"rewards_url" json:"rewards_url"`
	GeoEligibilityURL string        `yaml:"geo_eligibility_url" json:"geo_eligibility_url"`
	GeoRefresh        time.Duration `yaml:"geo_refresh" json:"geo_refresh"`
}

// StoreConfig selects where auto-run settings are persisted
type StoreConfig struct {
	Backend  string `yaml:"backend" json:"backend"` // file, postgres, redis
	Path     string `yaml:"path" json:"path"`
	DSN      string `yaml:"dsn" json:"-"`
	RedisURL string `yaml:"redis_url" json:"-"`
	Key      string `yaml:"key" json:"key"`
	Watch    bool   `yaml:"watch" json:"watch"`
}

// AutoRunConfig holds every timing knob of the controller.
type AutoRunConfig struct {
	EnableOnStart bool `yaml:"enable_on_start" json:"enable_on_start"`

	FastPoll time.Duration `yaml:"fast_poll" json:"fast_poll"`
	SlowPoll time.Duration `yaml:"slow_poll" json:"slow_poll"`

	SelectionTimeout     time.Duration `yaml:"selection_timeout" json:"selection_timeout"`
	BalancesTimeout      time.Duration `yaml:"balances_timeout" json:"balances_timeout"`
	BalancesStaleAfter   time.Duration `yaml:"balances_stale_after" json:"balances_stale_after"`
	BalancesRefetchEvery time.Duration `yaml:"balances_refetch_every" json:"balances_refetch_every"`
	EligibilityTimeout   time.Duration `yaml:"eligibility_timeout" json:"eligibility_timeout"`

	RewardsWaitTimeout  time.Duration `yaml:"rewards_wait_timeout" json:"rewards_wait_timeout"`
	RewardsFetchTimeout time.Duration `yaml:"rewards_fetch_timeout" json:"rewards_fetch_timeout"`
	RewardsPoll         time.Duration `yaml:"rewards_poll" json:"rewards_poll"`
	RewardsThrottle     time.Duration `yaml:"rewards_throttle" json:"rewards_throttle"`

	StartRequestTimeout   time.Duration   `yaml:"start_request_timeout" json:"start_request_timeout"`
	RunningConfirmTimeout time.Duration   `yaml:"running_confirm_timeout" json:"running_confirm_timeout"`
	RetryBackoff          []time.Duration `yaml:"retry_backoff" json:"retry_backoff"`

	StopRequestTimeout     time.Duration `yaml:"stop_request_timeout" json:"stop_request_timeout"`
	StopConfirmTimeout     time.Duration `yaml:"stop_confirm_timeout" json:"stop_confirm_timeout"`
	DeploymentCheckTimeout time.Duration `yaml:"deployment_check_timeout" json:"deployment_check_timeout"`
	StopRecoveryAttempts   int           `yaml:"stop_recovery_attempts" json:"stop_recovery_attempts"`
	StopRecoveryDelay      time.Duration `yaml:"stop_recovery_delay" json:"stop_recovery_delay"`

	Cooldown   time.Duration `yaml:"cooldown" json:"cooldown"`
	StartDelay time.Duration `yaml:"start_delay" json:"start_delay"`

	ScanLoadingDelay  time.Duration `yaml:"scan_loading_delay" json:"scan_loading_delay"`
	ScanBlockedDelay  time.Duration `yaml:"scan_blocked_delay" json:"scan_blocked_delay"`
	ScanEligibleDelay time.Duration `yaml:"scan_eligible_delay" json:"scan_eligible_delay"`

	SleepDriftTolerance time.Duration `yaml:"sleep_drift_tolerance" json:"sleep_drift_tolerance"`
}

// SecurityConfig configures control API authentication
type SecurityConfig struct {
	EnableAuth     bool          `yaml:"enable_auth" json:"enable_auth"`
	JWTSecret      string        `yaml:"jwt_secret" json:"-"`
	APIKeyHash     string        `yaml:"api_key_hash" json:"-"`
	TokenTTL       time.Duration `yaml:"token_ttl" json:"token_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// MessageBusConfig configures the NATS event bus
type MessageBusConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	URL        string        `yaml:"url" json:"url"`
	StreamName string        `yaml:"stream_name" json:"stream_name"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// LoggingConfig configures the in-process log manager
type LoggingConfig struct {
	Persist bool   `yaml:"persist" json:"persist"`
	DSN     string `yaml:"dsn" json:"-"`
}

// NotificationsConfig configures desktop notifications
type NotificationsConfig struct {
	// Command is run with the title and body as its last two arguments,
	// e.g. "notify-send". Empty disables desktop notifications.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
}

// LoadConfigFromFile loads configuration from a YAML file on top of the defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${AUTORUN_PASSWORD}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// Validate checks invariants the daemon relies on.
func (c *Config) Validate() error {
	seen := make(map[models.AgentType]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Type == "" {
			return fmt.Errorf("agents[%d]: type is required", i)
		}
		if seen[a.Type] {
			return fmt.Errorf("agents[%d]: duplicate agent type %q", i, a.Type)
		}
		seen[a.Type] = true
	}
	if len(c.AutoRun.RetryBackoff) == 0 {
		return fmt.Errorf("auto_run.retry_backoff must not be empty")
	}
	if c.AutoRun.StopRecoveryAttempts < 1 {
		return fmt.Errorf("auto_run.stop_recovery_attempts must be at least 1")
	}
	switch c.Store.Backend {
	case "file", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8765,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Backend: BackendConfig{
			URL:            "http://localhost:8000",
			RequestTimeout: 30 * time.Second,
			PollActive:     5 * time.Second,
			PollIdle:       15 * time.Second,
			GeoRefresh:     10 * time.Minute,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    defaultStorePath(),
			Key:     "autoRun",
			Watch:   true,
		},
		AutoRun: DefaultAutoRunConfig(),
		Security: SecurityConfig{
			EnableAuth:     false,
			TokenTTL:       24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
		MessageBus: MessageBusConfig{
			Enabled:    false,
			URL:        "nats://localhost:4222",
			StreamName: "AUTORUN",
			Timeout:    10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "autorund",
		},
	}
}

// DefaultAutoRunConfig returns the controller timings.
func DefaultAutoRunConfig() AutoRunConfig {
	return AutoRunConfig{
		FastPoll:               2 * time.Second,
		SlowPoll:               5 * time.Second,
		SelectionTimeout:       60 * time.Second,
		BalancesTimeout:        180 * time.Second,
		BalancesStaleAfter:     60 * time.Second,
		BalancesRefetchEvery:   15 * time.Second,
		EligibilityTimeout:     60 * time.Second,
		RewardsWaitTimeout:     20 * time.Second,
		RewardsFetchTimeout:    20 * time.Second,
		RewardsPoll:            120 * time.Second,
		RewardsThrottle:        120 * time.Second,
		StartRequestTimeout:    120 * time.Second,
		RunningConfirmTimeout:  120 * time.Second,
		RetryBackoff:           []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second},
		StopRequestTimeout:     120 * time.Second,
		StopConfirmTimeout:     120 * time.Second,
		DeploymentCheckTimeout: 15 * time.Second,
		StopRecoveryAttempts:   3,
		StopRecoveryDelay:      60 * time.Second,
		Cooldown:               20 * time.Second,
		StartDelay:             30 * time.Second,
		ScanLoadingDelay:       5 * time.Second,
		ScanBlockedDelay:       10 * time.Minute,
		ScanEligibleDelay:      30 * time.Minute,
		SleepDriftTolerance:    30 * time.Second,
	}
}

// ConfiguredAgents returns the agents that are not disabled.
func (c *Config) ConfiguredAgents() []models.AgentConfig {
	out := make([]models.AgentConfig, 0, len(c.Agents))
	for _, a := range c.Agents {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out
}

// DefaultConfigPath returns ~/.autorun/autorun.yaml.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".autorun", configFileName), nil
}

func defaultStorePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "store.json"
	}
	return filepath.Join(homeDir, ".autorun", "store.json")
}
