package creditengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
)

// Config is the top-level engine configuration.
type Config struct {
	InitialGrant      int64          `yaml:"initial_grant" toml:"initial_grant"`
	BundleConcurrency int            `yaml:"bundle_concurrency" toml:"bundle_concurrency"`
	Pricing           Pricing        `yaml:"pricing" toml:"pricing"`
	Ledger            StoreConfig    `yaml:"ledger" toml:"ledger"`
	Registry          StoreConfig    `yaml:"registry" toml:"registry"`
	Server            ServerConfig   `yaml:"server" toml:"server"`
	Fal               FalConfig      `yaml:"fal" toml:"fal"`
	Identity          IdentityConfig `yaml:"identity" toml:"identity"`
	Log               LogConfig      `yaml:"log" toml:"log"`
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	// PublicURL is the externally reachable base URL used to build webhook URLs.
	PublicURL     string        `yaml:"public_url" toml:"public_url"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" toml:"submit_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// FalConfig configures the fal.ai queue provider.
type FalConfig struct {
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	QueueURL          string        `yaml:"queue_url" toml:"queue_url"`
	TrainingEndpoint  string        `yaml:"training_endpoint" toml:"training_endpoint"`
	ImageEndpoint     string        `yaml:"image_endpoint" toml:"image_endpoint"`
	ReferenceEndpoint string        `yaml:"reference_endpoint" toml:"reference_endpoint"`
	WebhookKeys       []string      `yaml:"webhook_keys" toml:"webhook_keys"`
	WebhookTolerance  time.Duration `yaml:"webhook_tolerance" toml:"webhook_tolerance"`
}

// IdentityConfig configures the identity provider integration.
type IdentityConfig struct {
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
	JWTPublicKey  string `yaml:"jwt_public_key" toml:"jwt_public_key"`
	JWTIssuer     string `yaml:"jwt_issuer" toml:"jwt_issuer"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultConfig returns a config that runs fully in memory.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and parses a YAML or TOML config file, chosen by extension.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditengine: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("creditengine: parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("creditengine: parse config: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InitialGrant == 0 {
		c.InitialGrant = DefaultInitialGrant
	}
	if c.BundleConcurrency == 0 {
		c.BundleConcurrency = defaultBundleConcurrency
	}
	if c.Pricing.Training == 0 {
		c.Pricing.Training = DefaultTrainingCost
	}
	if c.Pricing.Image == 0 {
		c.Pricing.Image = DefaultImageCost
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverMemory
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = DriverMemory
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.SubmitTimeout == 0 {
		c.Server.SubmitTimeout = 30 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Fal.QueueURL == "" {
		c.Fal.QueueURL = "https://queue.fal.run"
	}
	if c.Fal.TrainingEndpoint == "" {
		c.Fal.TrainingEndpoint = "fal-ai/flux-lora-fast-training"
	}
	if c.Fal.ImageEndpoint == "" {
		c.Fal.ImageEndpoint = "fal-ai/flux-lora"
	}
	if c.Fal.ReferenceEndpoint == "" {
		c.Fal.ReferenceEndpoint = "fal-ai/bytedance/seedream/v4.5/edit"
	}
	if c.Fal.WebhookTolerance == 0 {
		c.Fal.WebhookTolerance = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.InitialGrant < 0 {
		return fmt.Errorf("creditengine: config: initial_grant must not be negative")
	}
	if c.Pricing.Training < 0 || c.Pricing.Image < 0 {
		return fmt.Errorf("creditengine: config: pricing must not be negative")
	}

	ids := make(map[string]bool, len(c.Pricing.Packs))
	for i, p := range c.Pricing.Packs {
		if p.ID == "" {
			return fmt.Errorf("creditengine: config: packs[%d]: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("creditengine: config: duplicate pack id %q", p.ID)
		}
		ids[p.ID] = true
		if p.CreditCost < 0 {
			return fmt.Errorf("creditengine: config: packs[%d] (%s): credit_cost must not be negative", i, p.ID)
		}
		if len(p.Prompts) == 0 {
			return fmt.Errorf("creditengine: config: packs[%d] (%s): at least one prompt is required", i, p.ID)
		}
	}

	if err := validateStore("ledger", c.Ledger, DriverMemory, DriverPostgres, DriverRedis, DriverSQLite); err != nil {
		return err
	}
	if err := validateStore("registry", c.Registry, DriverMemory, DriverPostgres, DriverSQLite); err != nil {
		return err
	}
	if c.Ledger.Driver == DriverMemory && c.Registry.Driver != DriverMemory {
		return fmt.Errorf("creditengine: config: memory ledger cannot be combined with a durable registry")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("creditengine: config: log.format must be json or console, got %q", c.Log.Format)
	}

	return nil
}

func validateStore(name string, sc StoreConfig, allowed ...string) error {
	ok := false
	for _, d := range allowed {
		if sc.Driver == d {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("creditengine: config: %s: unsupported driver %q", name, sc.Driver)
	}
	if sc.Driver != DriverMemory && sc.DSN == "" {
		return fmt.Errorf("creditengine: config: %s: dsn is required for driver %q", name, sc.Driver)
	}
	return nil
}
