package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":9991"
	}
	if c.App.ReportDir == "" {
		c.App.ReportDir = "data/reports"
	}
	if c.Service.TimeoutSeconds <= 0 {
		c.Service.TimeoutSeconds = 30
	}
	if c.Catalog.RefreshCron == "" {
		c.Catalog.RefreshCron = "@every 5m"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/btdeck.db"
	}
	if c.Strategies.Path == "" {
		c.Strategies.Path = "configs/strategies.yaml"
	}
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Service.BaseURL) == "" {
		return fmt.Errorf("service.base_url is required")
	}
	return nil
}
