package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Period.Duration())
	assert.Equal(t, 3, cfg.Delivery.Attempts)
	assert.Equal(t, "*/5 * * * *", cfg.Transfer.SweepCron)
	assert.Equal(t, 10*time.Minute, cfg.Transfer.StaleAfter.Duration())
	assert.Equal(t, DriverPebble, cfg.Store.Driver)
	assert.Equal(t, DriverDisk, cfg.Blob.Driver)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9000"
  read_limit: 2MiB
heartbeat:
  period: 5s
delivery:
  attempts: 5
  backoff: 0.5
transfer:
  max_size: 16MB
  sweep_cron: "*/10 * * * *"
store:
  driver: sqlite
  path: /tmp/relay.db
logging:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, int64(2<<20), cfg.Server.ReadLimit.Int64())
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Period.Duration())
	assert.Equal(t, 5, cfg.Delivery.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Delivery.Backoff.Duration())
	assert.Equal(t, int64(16_000_000), cfg.Transfer.MaxSize.Int64())
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadSize(t *testing.T) {
	path := writeConfig(t, "transfer:\n  max_size: lots\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9000\"\n")
	t.Setenv("RELAY_ADDR", ":7000")
	t.Setenv("RELAY_HEARTBEAT_PERIOD", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Period.Duration())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RELAY_MAX_TRANSFER_SIZE": "1GiB",
		"RELAY_ORIGIN_PATTERNS":   "a.example, b.example,,",
		"RELAY_RATE_RPS":          "2.5",
		"RELAY_DELIVERY_ATTEMPTS": "7",
		"RELAY_BLOB_DRIVER":       "s3",
		"RELAY_S3_BUCKET":         "chat",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{}
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, int64(1<<30), cfg.Transfer.MaxSize.Int64())
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.Server.OriginPatterns)
	assert.Equal(t, 2.5, cfg.Server.RateLimit.RPS)
	assert.Equal(t, 7, cfg.Delivery.Attempts)
	assert.Equal(t, DriverS3, cfg.Blob.Driver)
	assert.Equal(t, "chat", cfg.Blob.S3.Bucket)
}

func TestApplyEnv_Errors(t *testing.T) {
	env := map[string]string{
		"RELAY_DELIVERY_ATTEMPTS": "many",
		"RELAY_STALE_AFTER":       "soon",
	}
	cfg := &Config{}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_DELIVERY_ATTEMPTS")
	assert.Contains(t, err.Error(), "RELAY_STALE_AFTER")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad cron", func(c *Config) { c.Transfer.SweepCron = "every five minutes" }, true},
		{"zero attempts", func(c *Config) { c.Delivery.Attempts = 0 }, true},
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }, true},
		{"unknown blob", func(c *Config) { c.Blob.Driver = "ftp" }, true},
		{"s3 without bucket", func(c *Config) {
			c.Blob.Driver = DriverS3
			c.Blob.S3.Region = "us-east-1"
		}, true},
		{"s3 half credentials", func(c *Config) {
			c.Blob.Driver = DriverS3
			c.Blob.S3.Bucket = "b"
			c.Blob.S3.Region = "us-east-1"
			c.Blob.S3.AccessKeyID = "key"
		}, true},
		{"s3 complete", func(c *Config) {
			c.Blob.Driver = DriverS3
			c.Blob.S3.Bucket = "b"
			c.Blob.S3.Region = "us-east-1"
		}, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
