package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "SERVER5"

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type SheetsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CredentialPath string `mapstructure:"credentialPath"`
	SpreadsheetID  string `mapstructure:"spreadsheetID"`
	SheetName      string `mapstructure:"sheetName"`
}

type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	StoreBackend string `mapstructure:"storeBackend"`
	DatabasePath string `mapstructure:"databasePath"`
	PostgresDSN  string `mapstructure:"postgresDSN"`
	RedisAddr    string `mapstructure:"redisAddr"`
	RedisPrefix  string `mapstructure:"redisPrefix"`

	JWTSecret       string        `mapstructure:"jwtSecret"`
	AdminSecretHash string        `mapstructure:"adminSecretHash"`
	TokenTTL        time.Duration `mapstructure:"tokenTTL"`

	LogLevel      string `mapstructure:"logLevel"`
	LogFormat     string `mapstructure:"logFormat"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
	LogMaxAge     int    `mapstructure:"logMaxAge"` // days, 0 keeps rotated files forever

	MetricsEnabled bool `mapstructure:"metricsEnabled"`
	// CheckRateLimit is requests per minute per IP on /check; 0 disables it.
	CheckRateLimit int `mapstructure:"checkRateLimit"`

	Sheets SheetsConfig `mapstructure:"sheets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 5000)
	v.SetDefault("storeBackend", BackendSQLite)
	v.SetDefault("databasePath", "data/licenses.db")
	v.SetDefault("postgresDSN", "")
	v.SetDefault("redisAddr", "")
	v.SetDefault("redisPrefix", "server5")
	v.SetDefault("jwtSecret", "")
	v.SetDefault("adminSecretHash", "")
	v.SetDefault("tokenTTL", 24*time.Hour)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "console")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("logMaxAge", 28)
	v.SetDefault("metricsEnabled", true)
	v.SetDefault("checkRateLimit", 60)
	v.SetDefault("sheets.enabled", false)
	v.SetDefault("sheets.credentialPath", "credentials.json")
	v.SetDefault("sheets.spreadsheetID", "")
	v.SetDefault("sheets.sheetName", "Keys")
}

// Load reads the config file (optional when path is empty) and SERVER5_*
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			return errors.New("databasePath is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgresDSN is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redisAddr is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown storeBackend %q", c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return errors.New("jwtSecret is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("tokenTTL must be positive")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return errors.Errorf("unknown logFormat %q", c.LogFormat)
	}
	if c.LogMaxSize < 0 || c.LogMaxBackups < 0 || c.LogMaxAge < 0 {
		return errors.New("log rotation settings must not be negative")
	}
	if c.CheckRateLimit < 0 {
		return errors.New("checkRateLimit must not be negative")
	}
	if c.Sheets.Enabled && c.Sheets.SpreadsheetID == "" {
		return errors.New("sheets.spreadsheetID is required when sheets are enabled")
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
