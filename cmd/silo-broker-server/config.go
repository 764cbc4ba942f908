package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EternisAI/silo-broker/internal/api/http"
	"github.com/EternisAI/silo-broker/internal/auth"
	"github.com/EternisAI/silo-broker/internal/db"
	"github.com/EternisAI/silo-broker/internal/queue"
	internaltls "github.com/EternisAI/silo-broker/internal/tls"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    LogConfig
	Http   http.Config
	Grpc   GrpcConfig
	Broker BrokerConfig
	DB     db.Config
	Queue  queue.Config
	Auth   auth.Config
	TLS    internaltls.Config
}

type GrpcConfig struct {
	Port int                `mapstructure:"port"`
	TLS  internaltls.Config `mapstructure:"tls"`
}

type BrokerConfig struct {
	ServerNode      string        `mapstructure:"server_node"`
	ConnectionLimit int           `mapstructure:"connection_limit"`
	ProbeURL        string        `mapstructure:"probe_url"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	ResponseTTL     time.Duration `mapstructure:"response_ttl"`
	QueueRetryDelay time.Duration `mapstructure:"queue_retry_delay"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	AdmitTimeout    time.Duration `mapstructure:"admit_timeout"`
	Workers         int           `mapstructure:"workers"`
	SessionWorkers  int           `mapstructure:"session_workers"`
	ResponseBacklog int           `mapstructure:"response_backlog"`
	HandshakeRate   float64       `mapstructure:"handshake_rate"`
	HandshakeBurst  int           `mapstructure:"handshake_burst"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-broker-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.port", 8080)
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("broker.probe_url", "http://{node}:8080/status")
	viper.SetDefault("db.driver", db.DriverPostgres)
	viper.SetDefault("queue.driver", queue.DriverRedis)

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("queue.url", "REDIS_URL")
	_ = viper.BindEnv("auth.secret", "JWT_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	if config.Broker.ServerNode == "" {
		hostname, err := os.Hostname()
		if err != nil {
			panic(fmt.Errorf("broker.server_node is not set and hostname is unavailable: %w", err))
		}
		config.Broker.ServerNode = hostname
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.DB.Url = redact(redacted.DB.Url)
		redacted.Queue.Url = redact(redacted.Queue.Url)
		redacted.Auth.Secret = redact(redacted.Auth.Secret)
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
