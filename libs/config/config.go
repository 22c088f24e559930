package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FINAI"

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	LogFormat   string     `mapstructure:"log_format"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
}

// IsDev reports whether the service runs in a local or test environment.
func (c AppConfig) IsDev() bool {
	return c.Env == "dev" || c.Env == "test"
}

func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit path that does not exist surfaces as fs.ErrNotExist.
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return nil, fmt.Errorf("invalid http port %d", cfg.HTTP.Port)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "assistant")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8001)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "90s")
	v.SetDefault("http.idle_timeout", "60s")
}
