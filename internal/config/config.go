package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         string        `mapstructure:"server"`
	Account        string        `mapstructure:"account"`
	Password       string        `mapstructure:"password"`
	DisplayName    string        `mapstructure:"display_name"`
	UserAgent      string        `mapstructure:"user_agent"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMissedPings int           `mapstructure:"max_missed_pings"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	KeyPassphrase  string        `mapstructure:"key_passphrase"`
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

	v.SetDefault("server", "wss://localhost:8088/webrtcgateway/ws")
	v.SetDefault("user_agent", "sylkrtc-go")
	v.SetDefault("initial_delay", "500ms")
	v.SetDefault("max_delay", "64s")
	v.SetDefault("ping_interval", "10s")
	v.SetDefault("max_missed_pings", 6)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
