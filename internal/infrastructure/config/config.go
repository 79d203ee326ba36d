package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/escalation"
	"github.com/davidleathers/control-assurance-backend/internal/domain/testexec"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// EnvPrefix marks environment overrides. Nested keys are separated by a
// double underscore: CAB_WORKFLOW__SWEEP_INTERVAL=5m.
const EnvPrefix = "CAB_"

// DefaultPath is read when Load is given an empty path
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development test staging production"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
	Security      SecurityConfig      `koanf:"security"`
	Notifications NotificationsConfig `koanf:"notifications"`
	FileStore     FileStoreConfig     `koanf:"file_store"`
	Providers     ProvidersConfig     `koanf:"providers"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	// Driver selects the workflow store: memory or postgres
	Driver          string        `koanf:"driver" validate:"oneof=memory postgres"`
	URL             string        `koanf:"url" validate:"required_if=Driver postgres"`
	MaxConns        int32         `koanf:"max_conns" validate:"min=1"`
	MinConns        int32         `koanf:"min_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type RedisConfig struct {
	Enabled     bool          `koanf:"enabled"`
	URL         string        `koanf:"url" validate:"required_if=Enabled true"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ProgressTTL time.Duration `koanf:"progress_ttl" validate:"gt=0"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name" validate:"required"`
	OTLPEndpoint string  `koanf:"otlp_endpoint" validate:"required_if=Enabled true"`
	SampleRate   float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

type SecurityConfig struct {
	JWTSecret   string          `koanf:"jwt_secret"`
	Issuer      string          `koanf:"issuer"`
	TokenExpiry time.Duration   `koanf:"token_expiry"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second" validate:"min=1"`
	BurstSize         int `koanf:"burst_size" validate:"min=1"`
}

type NotificationsConfig struct {
	WebhookURL string `koanf:"webhook_url" validate:"omitempty,url"`
	// WebhookSecret signs webhook bodies with HMAC-SHA256 when set
	WebhookSecret string        `koanf:"webhook_secret"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	QueueSize     int           `koanf:"queue_size" validate:"min=1"`
	Workers       int           `koanf:"workers" validate:"min=1"`
	// PerRecipientRate caps notifications per user per second
	PerRecipientRate  float64 `koanf:"per_recipient_rate" validate:"gt=0"`
	PerRecipientBurst int     `koanf:"per_recipient_burst" validate:"min=1"`
}

type FileStoreConfig struct {
	Root string `koanf:"root"`
}

// ProvidersConfig routes evidence requests to the people who hold the
// evidence. ByControl wins over ByType, which wins over Default.
type ProvidersConfig struct {
	Default   string                       `koanf:"default"`
	ByType    map[string]string            `koanf:"by_type"`
	ByControl map[string]map[string]string `koanf:"by_control"`
}

type WorkflowConfig struct {
	CommitAttempts         int             `koanf:"commit_attempts" validate:"min=1,max=10"`
	CommitInitialInterval  time.Duration   `koanf:"commit_initial_interval" validate:"gt=0"`
	EvidenceResponseWindow time.Duration   `koanf:"evidence_response_window" validate:"gt=0"`
	BlockGrace             time.Duration   `koanf:"block_grace" validate:"gte=0"`
	EscalationWindow       time.Duration   `koanf:"escalation_window" validate:"gt=0"`
	EscalationBackoff      []time.Duration `koanf:"escalation_backoff"`
	SweepInterval          time.Duration   `koanf:"sweep_interval" validate:"gt=0"`
	SweepConcurrency       int             `koanf:"sweep_concurrency" validate:"min=1"`
	DefaultConfidence      string          `koanf:"default_confidence" validate:"required"`
	DefaultTolerableRate   string          `koanf:"default_tolerable_rate" validate:"required"`
	DefaultExpectedRate    string          `koanf:"default_expected_rate" validate:"required"`
	EffectiveMaxRate       string          `koanf:"effective_max_rate" validate:"required"`
	SignificantAboveRate   string          `koanf:"significant_above_rate" validate:"required"`
	FileCheckTimeout       time.Duration   `koanf:"file_check_timeout" validate:"gt=0"`
	CacheTimeout           time.Duration   `koanf:"cache_timeout" validate:"gt=0"`
}

// Defaults returns the configuration used when nothing overrides it
func Defaults() *Config {
	wf := workflow.DefaultConfig()
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Redis: RedisConfig{
			ProgressTTL: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "control-assurance-backend",
			SampleRate:  1,
		},
		Security: SecurityConfig{
			Issuer:      "control-assurance",
			TokenExpiry: 8 * time.Hour,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Notifications: NotificationsConfig{
			Timeout:           5 * time.Second,
			QueueSize:         1024,
			Workers:           4,
			PerRecipientRate:  1,
			PerRecipientBurst: 10,
		},
		Workflow: WorkflowConfig{
			CommitAttempts:         wf.CommitAttempts,
			CommitInitialInterval:  wf.CommitInitialInterval,
			EvidenceResponseWindow: wf.EvidenceResponseWindow,
			BlockGrace:             wf.BlockGrace,
			EscalationWindow:       wf.Escalation.Window,
			EscalationBackoff:      wf.Escalation.Backoff,
			SweepInterval:          wf.SweepInterval,
			SweepConcurrency:       wf.SweepConcurrency,
			DefaultConfidence:      wf.DefaultConfidence.String(),
			DefaultTolerableRate:   wf.DefaultTolerableRate.String(),
			DefaultExpectedRate:    wf.DefaultExpectedRate.String(),
			EffectiveMaxRate:       wf.Bands.EffectiveMax.String(),
			SignificantAboveRate:   wf.Bands.SignificantAbove.String(),
			FileCheckTimeout:       wf.FileCheckTimeout,
			CacheTimeout:           wf.CacheTimeout,
		},
	}
}

// Load layers defaults, the optional YAML file at path and CAB_ environment
// overrides, then validates the result
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and that the rate settings parse
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Workflow.Build(); err != nil {
		return fmt.Errorf("invalid workflow configuration: %w", err)
	}
	return nil
}

// Build converts the workflow section into engine configuration
func (w WorkflowConfig) Build() (workflow.Config, error) {
	rates := make(map[string]decimal.Decimal, 5)
	for name, raw := range map[string]string{
		"default_confidence":     w.DefaultConfidence,
		"default_tolerable_rate": w.DefaultTolerableRate,
		"default_expected_rate":  w.DefaultExpectedRate,
		"effective_max_rate":     w.EffectiveMaxRate,
		"significant_above_rate": w.SignificantAboveRate,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return workflow.Config{}, fmt.Errorf("%s: %w", name, err)
		}
		rates[name] = d
	}

	cfg := workflow.Config{
		CommitAttempts:         w.CommitAttempts,
		CommitInitialInterval:  w.CommitInitialInterval,
		EvidenceResponseWindow: w.EvidenceResponseWindow,
		BlockGrace:             w.BlockGrace,
		Escalation: escalation.Policy{
			Window:  w.EscalationWindow,
			Backoff: append([]time.Duration(nil), w.EscalationBackoff...),
		},
		SweepInterval:        w.SweepInterval,
		SweepConcurrency:     w.SweepConcurrency,
		DefaultConfidence:    rates["default_confidence"],
		DefaultTolerableRate: rates["default_tolerable_rate"],
		DefaultExpectedRate:  rates["default_expected_rate"],
		Bands: testexec.Bands{
			EffectiveMax:     rates["effective_max_rate"],
			SignificantAbove: rates["significant_above_rate"],
		},
		FileCheckTimeout: w.FileCheckTimeout,
		CacheTimeout:     w.CacheTimeout,
	}
	if err := cfg.Bands.Validate(); err != nil {
		return workflow.Config{}, err
	}
	return cfg, nil
}
