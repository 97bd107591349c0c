package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type UserSeed struct {
	ID          string `mapstructure:"id"`
	Org         string `mapstructure:"org"`
	DisplayName string `mapstructure:"display_name"`
	Suspended   bool   `mapstructure:"suspended"`
}

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	Secret      string        `mapstructure:"secret"`
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	DBPath      string        `mapstructure:"db_path"`
	Users       []UserSeed    `mapstructure:"users"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ring_timeout", "45s")
	v.SetDefault("db_path", "dialdesk.db")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
