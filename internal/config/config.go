// Package config loads the relay server configuration from YAML, .env and
// RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr             = ":8080"
	defaultHeartbeatPeriod  = 30 * time.Second
	defaultDeliveryAttempts = 3
	defaultDeliveryBackoff  = 200 * time.Millisecond
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxTransferSize  = 64 << 20
	defaultReadLimit        = 1 << 20
	defaultStorePath        = "./.relay/db"
	defaultBlobDir          = "./.relay/blobs"
	defaultSweepCron        = "*/5 * * * *"
	defaultStaleAfter       = 10 * time.Minute
	defaultRateRPS          = 200
	defaultRateBurst        = 400
)

// Store and blob drivers.
const (
	DriverPebble = "pebble"
	DriverSQLite = "sqlite"
	DriverDisk   = "disk"
	DriverS3     = "s3"
)

// Config is the relay server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener and inbound limits.
type ServerConfig struct {
	Address        string    `yaml:"address"`
	ReadLimit      SizeBytes `yaml:"read_limit"`
	OriginPatterns []string  `yaml:"origin_patterns"`
	RateLimit      struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

type HeartbeatConfig struct {
	Period Duration `yaml:"period"`
}

// DeliveryConfig controls broadcast retries.
type DeliveryConfig struct {
	Attempts     int      `yaml:"attempts"`
	Backoff      Duration `yaml:"backoff"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// TransferConfig bounds binary reassembly and schedules the stale sweep.
type TransferConfig struct {
	MaxSize    SizeBytes `yaml:"max_size"`
	SweepCron  string    `yaml:"sweep_cron"`
	StaleAfter Duration  `yaml:"stale_after"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // pebble | sqlite
	Path   string `yaml:"path"`
}

type BlobConfig struct {
	Driver string   `yaml:"driver"` // disk | s3
	Dir    string   `yaml:"dir"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads .env (if present), the YAML file at path (missing is fine when
// path is empty), applies RELAY_* overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddr
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = defaultReadLimit
	}
	if c.Server.RateLimit.RPS == 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}
	if c.Heartbeat.Period == 0 {
		c.Heartbeat.Period = Duration(defaultHeartbeatPeriod)
	}
	if c.Delivery.Attempts == 0 {
		c.Delivery.Attempts = defaultDeliveryAttempts
	}
	if c.Delivery.Backoff == 0 {
		c.Delivery.Backoff = Duration(defaultDeliveryBackoff)
	}
	if c.Delivery.WriteTimeout == 0 {
		c.Delivery.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if c.Transfer.MaxSize == 0 {
		c.Transfer.MaxSize = defaultMaxTransferSize
	}
	if c.Transfer.SweepCron == "" {
		c.Transfer.SweepCron = defaultSweepCron
	}
	if c.Transfer.StaleAfter == 0 {
		c.Transfer.StaleAfter = Duration(defaultStaleAfter)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverPebble
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = DriverDisk
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = defaultBlobDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// applyEnv overlays RELAY_* variables. Unset variables leave c untouched.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup("RELAY_" + name); ok && v != "" {
			*dst = v
		}
	}
	size := func(name string, dst *SizeBytes) {
		if v, ok := lookup("RELAY_" + name); ok && v != "" {
			s, err := parseSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("RELAY_%s: %w", name, err))
				return
			}
			*dst = s
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := lookup("RELAY_" + name); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("RELAY_%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup("RELAY_" + name); ok && v != "" {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("RELAY_%s: invalid integer %q", name, v))
				return
			}
			*dst = i
		}
	}

	str("ADDR", &c.Server.Address)
	size("READ_LIMIT", &c.Server.ReadLimit)
	if v, ok := lookup("RELAY_ORIGIN_PATTERNS"); ok && v != "" {
		c.Server.OriginPatterns = parseList(v)
	}
	if v, ok := lookup("RELAY_RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_RATE_RPS: invalid number %q", v))
		} else {
			c.Server.RateLimit.RPS = f
		}
	}
	integer("RATE_BURST", &c.Server.RateLimit.Burst)
	dur("HEARTBEAT_PERIOD", &c.Heartbeat.Period)
	integer("DELIVERY_ATTEMPTS", &c.Delivery.Attempts)
	dur("DELIVERY_BACKOFF", &c.Delivery.Backoff)
	dur("DELIVERY_WRITE_TIMEOUT", &c.Delivery.WriteTimeout)
	size("MAX_TRANSFER_SIZE", &c.Transfer.MaxSize)
	str("SWEEP_CRON", &c.Transfer.SweepCron)
	dur("STALE_AFTER", &c.Transfer.StaleAfter)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("BLOB_DRIVER", &c.Blob.Driver)
	str("BLOB_DIR", &c.Blob.Dir)
	str("S3_BUCKET", &c.Blob.S3.Bucket)
	str("S3_PREFIX", &c.Blob.S3.Prefix)
	str("S3_REGION", &c.Blob.S3.Region)
	str("S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

func parseList(v string) []string {
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// Validate fails fast on settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is empty")
	}
	if c.Heartbeat.Period.Duration() <= 0 {
		return fmt.Errorf("heartbeat.period must be positive")
	}
	if c.Delivery.Attempts < 1 {
		return fmt.Errorf("delivery.attempts must be at least 1, got %d", c.Delivery.Attempts)
	}
	if c.Transfer.MaxSize <= 0 {
		return fmt.Errorf("transfer.max_size must be positive")
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("server.read_limit must be positive")
	}
	if !gronx.New().IsValid(c.Transfer.SweepCron) {
		return fmt.Errorf("invalid transfer.sweep_cron: %q is not a valid cron expression", c.Transfer.SweepCron)
	}
	if c.Transfer.StaleAfter.Duration() <= 0 {
		return fmt.Errorf("transfer.stale_after must be positive")
	}

	switch c.Store.Driver {
	case DriverPebble, DriverSQLite:
	default:
		return fmt.Errorf("unknown store.driver %q: want %s or %s", c.Store.Driver, DriverPebble, DriverSQLite)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is empty")
	}

	switch c.Blob.Driver {
	case DriverDisk:
		if c.Blob.Dir == "" {
			return fmt.Errorf("blob.dir is empty")
		}
	case DriverS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 driver")
		}
		if c.Blob.S3.Region == "" {
			return fmt.Errorf("blob.s3.region is required for the s3 driver")
		}
		if (c.Blob.S3.AccessKeyID == "") != (c.Blob.S3.SecretAccessKey == "") {
			return fmt.Errorf("incomplete s3 credentials: set both access_key_id and secret_access_key")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q: want %s or %s", c.Blob.Driver, DriverDisk, DriverS3)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
