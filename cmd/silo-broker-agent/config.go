package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-broker/internal/api/http"
	internaltls "github.com/EternisAI/silo-broker/internal/tls"
	"github.com/EternisAI/silo-broker/internal/userstore"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Tunnel    TunnelConfig
	Userstore userstore.Config
}

type TunnelConfig struct {
	URL               string             `mapstructure:"url"`
	AccessToken       string             `mapstructure:"access_token"`
	Node              string             `mapstructure:"node"`
	ReconnectInterval time.Duration      `mapstructure:"reconnect_interval"`
	HeartbeatInterval time.Duration      `mapstructure:"heartbeat_interval"`
	Workers           int                `mapstructure:"workers"`
	TLS               internaltls.Config `mapstructure:"tls"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-broker-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.port", 8081)
	viper.SetDefault("userstore.type", userstore.TypeStatic)

	_ = viper.BindEnv("tunnel.access_token", "SILO_ACCESS_TOKEN")
	_ = viper.BindEnv("userstore.ldap.bind_password", "LDAP_BIND_PASSWORD")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Tunnel.AccessToken = redact(redacted.Tunnel.AccessToken)
		redacted.Userstore.LDAP.BindPassword = redact(redacted.Userstore.LDAP.BindPassword)
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}
