package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	MySQLDSN      string `mapstructure:"MYSQL_DSN"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	AutoMigrate   bool   `mapstructure:"AUTO_MIGRATE"`
	SeedSettings  bool   `mapstructure:"SEED_SETTINGS"`
	Timezone      string `mapstructure:"TIMEZONE"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	BackupTarget        string        `mapstructure:"BACKUP_TARGET"`
	BackupS3Bucket      string        `mapstructure:"BACKUP_S3_BUCKET"`
	BackupS3Prefix      string        `mapstructure:"BACKUP_S3_PREFIX"`
	BackupS3Endpoint    string        `mapstructure:"BACKUP_S3_ENDPOINT"`
	AWSRegion           string        `mapstructure:"AWS_REGION"`
	BackupWebhookURL    string        `mapstructure:"BACKUP_WEBHOOK_URL"`
	BackupWebhookSecret string        `mapstructure:"BACKUP_WEBHOOK_SECRET"`
	BackupDir           string        `mapstructure:"BACKUP_DIR"`
	AutoSyncInterval    time.Duration `mapstructure:"AUTO_SYNC_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORAGE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH", "MYSQL_DSN",
	"MIGRATIONS_DIR", "AUTO_MIGRATE", "SEED_SETTINGS", "TIMEZONE",
	"CORS_ORIGINS", "BODY_LIMIT", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"BACKUP_TARGET", "BACKUP_S3_BUCKET", "BACKUP_S3_PREFIX", "BACKUP_S3_ENDPOINT", "AWS_REGION",
	"BACKUP_WEBHOOK_URL", "BACKUP_WEBHOOK_SECRET", "BACKUP_DIR", "AUTO_SYNC_INTERVAL",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", DriverMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "./meditrack.db")
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("SEED_SETTINGS", true)
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BACKUP_TARGET", "none")
	v.SetDefault("BACKUP_DIR", "./backups")
	v.SetDefault("AUTO_SYNC_INTERVAL", "0s")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.BackupTarget = strings.ToLower(strings.TrimSpace(cfg.BackupTarget))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "Local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the driver- and target-specific requirements.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is %q", DriverSQLite)
		}
	case DriverMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required when STORAGE_DRIVER is %q", DriverMySQL)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of memory, postgres, sqlite, mysql; got %q", c.StorageDriver)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.BackupTarget {
	case "", "none", "log", "memory":
	case "s3":
		if c.BackupS3Bucket == "" {
			return fmt.Errorf("BACKUP_S3_BUCKET is required when BACKUP_TARGET is \"s3\"")
		}
	case "webhook":
		if c.BackupWebhookURL == "" {
			return fmt.Errorf("BACKUP_WEBHOOK_URL is required when BACKUP_TARGET is \"webhook\"")
		}
		if c.IsProduction() && c.BackupWebhookSecret == "" {
			return fmt.Errorf("BACKUP_WEBHOOK_SECRET is required for webhook backups in production")
		}
	case "dir":
		if c.BackupDir == "" {
			return fmt.Errorf("BACKUP_DIR is required when BACKUP_TARGET is \"dir\"")
		}
	default:
		return fmt.Errorf("BACKUP_TARGET must be one of none, log, s3, webhook, dir, memory; got %q", c.BackupTarget)
	}

	if c.AutoSyncInterval < 0 {
		return fmt.Errorf("AUTO_SYNC_INTERVAL must not be negative")
	}
	if c.AutoSyncInterval > 0 && c.AutoSyncInterval < time.Minute {
		return fmt.Errorf("AUTO_SYNC_INTERVAL must be at least 1m, got %s", c.AutoSyncInterval)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
