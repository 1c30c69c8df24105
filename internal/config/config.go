package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix namespaces environment overrides, e.g. COTATION_DB_PATH.
const EnvPrefix = "COTATION"

type Config struct {
	Addr          string   `mapstructure:"addr"`
	DBDriver      string   `mapstructure:"db_driver"`
	DBPath        string   `mapstructure:"db_path"`
	MigrationsDir string   `mapstructure:"migrations_dir"`
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTIssuer     string   `mapstructure:"jwt_issuer"`
	LogLevel      string   `mapstructure:"log_level"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_driver", "sqlite3")
	v.SetDefault("db_path", "")
	v.SetDefault("migrations_dir", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "cotation")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{})
}

// Load resolves configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. Flags bound to v by the
// caller take precedence over all three.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("cotation")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Origins from the environment arrive comma-separated.
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr must not be empty")
	}
	if c.DBDriver != "sqlite3" && c.DBDriver != "sqlite" {
		return fmt.Errorf("db_driver must be sqlite3 or sqlite, got %q", c.DBDriver)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// RequireSecret is checked by commands that sign or verify tokens.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret required (set %s_JWT_SECRET)", EnvPrefix)
	}
	return nil
}

// NewLogger builds a production JSON logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
