package creditengine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ce "github.com/ineyio/creditengine"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := ce.DefaultConfig()

	assert.Equal(t, int64(400), cfg.InitialGrant)
	assert.Equal(t, int64(10), cfg.Pricing.Training)
	assert.Equal(t, int64(100), cfg.Pricing.Image)
	assert.Equal(t, ce.DriverMemory, cfg.Ledger.Driver)
	assert.Equal(t, ce.DriverMemory, cfg.Registry.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.SubmitTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_YAML(t *testing.T) {
	t.Setenv("TEST_FAL_KEY", "secret-key")
	t.Setenv("TEST_PG_DSN", "postgres://db/credits")

	path := writeConfig(t, "engine.yaml", `
initial_grant: 250
pricing:
  training: 20
  image: 50
  packs:
    - id: corporate
      name: Corporate
      credit_cost: 300
      prompts: ["suit", "office"]
ledger:
  driver: postgres
  dsn: ${TEST_PG_DSN}
registry:
  driver: postgres
  dsn: ${TEST_PG_DSN}
  prefix: ce_
server:
  public_url: https://api.example.com
  submit_timeout: 45s
fal:
  api_key: ${TEST_FAL_KEY}
log:
  level: debug
  format: console
`)

	cfg, err := ce.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.InitialGrant)
	assert.Equal(t, int64(20), cfg.Pricing.Training)
	require.Len(t, cfg.Pricing.Packs, 1)
	assert.Equal(t, []string{"suit", "office"}, cfg.Pricing.Packs[0].Prompts)
	assert.Equal(t, "postgres://db/credits", cfg.Ledger.DSN)
	assert.Equal(t, "ce_", cfg.Registry.Prefix)
	assert.Equal(t, 45*time.Second, cfg.Server.SubmitTimeout)
	assert.Equal(t, "secret-key", cfg.Fal.APIKey)
	assert.Equal(t, "console", cfg.Log.Format)

	// Unset fields keep their defaults.
	assert.Equal(t, "https://queue.fal.run", cfg.Fal.QueueURL)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfig_TOML(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/0")

	path := writeConfig(t, "engine.toml", `
initial_grant = 100

[ledger]
driver = "redis"
dsn = "${TEST_REDIS_URL}"

[registry]
driver = "sqlite"
dsn = "/var/lib/creditengine/jobs.db"

[[pricing.packs]]
id = "dating"
name = "Dating"
credit_cost = 200
prompts = ["beach", "cafe", "park"]
`)

	cfg, err := ce.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(100), cfg.InitialGrant)
	assert.Equal(t, ce.DriverRedis, cfg.Ledger.Driver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Ledger.DSN)
	assert.Equal(t, ce.DriverSQLite, cfg.Registry.Driver)
	require.Len(t, cfg.Pricing.Packs, 1)
	assert.Equal(t, int64(200), cfg.Pricing.Packs[0].CreditCost)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := ce.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ce.LoadConfig(writeConfig(t, "bad.yaml", "ledger: [unclosed"))
	assert.Error(t, err)

	_, err = ce.LoadConfig(writeConfig(t, "invalid.yaml", "ledger:\n  driver: mongo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

// Test: Config validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ce.Config)
		errMsg string
	}{
		{"negative grant", func(c *ce.Config) { c.InitialGrant = -1 }, "initial_grant"},
		{"negative pricing", func(c *ce.Config) { c.Pricing.Image = -5 }, "pricing"},
		{"pack without id", func(c *ce.Config) {
			c.Pricing.Packs = []ce.Pack{{Prompts: []string{"a"}}}
		}, "id is required"},
		{"duplicate pack", func(c *ce.Config) {
			c.Pricing.Packs = []ce.Pack{{ID: "p", Prompts: []string{"a"}}, {ID: "p", Prompts: []string{"b"}}}
		}, "duplicate"},
		{"pack without prompts", func(c *ce.Config) {
			c.Pricing.Packs = []ce.Pack{{ID: "p"}}
		}, "prompt"},
		{"redis registry", func(c *ce.Config) {
			c.Ledger = ce.StoreConfig{Driver: ce.DriverRedis, DSN: "redis://x"}
			c.Registry = ce.StoreConfig{Driver: ce.DriverRedis, DSN: "redis://x"}
		}, "unsupported driver"},
		{"missing dsn", func(c *ce.Config) { c.Ledger = ce.StoreConfig{Driver: ce.DriverPostgres} }, "dsn is required"},
		{"memory ledger with durable registry", func(c *ce.Config) {
			c.Registry = ce.StoreConfig{Driver: ce.DriverSQLite, DSN: "jobs.db"}
		}, "memory ledger"},
		{"log format", func(c *ce.Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ce.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("valid config", func(t *testing.T) {
		cfg := ce.DefaultConfig()
		cfg.Ledger = ce.StoreConfig{Driver: ce.DriverRedis, DSN: "redis://localhost:6379"}
		cfg.Registry = ce.StoreConfig{Driver: ce.DriverPostgres, DSN: "postgres://db"}
		assert.NoError(t, cfg.Validate())
	})
}
