package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the engine service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	InstanceID   string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	LivenessTTL        time.Duration
	StreamKeepalive    time.Duration
	HintBuffer         int
	DefaultMaxAttempts int

	SubmitRateLimit  int
	SubmitRateWindow time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		InstanceID:   v.GetString("instance_id"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		LivenessTTL:        v.GetDuration("liveness_ttl"),
		StreamKeepalive:    v.GetDuration("stream_keepalive"),
		HintBuffer:         v.GetInt("hint_buffer"),
		DefaultMaxAttempts: v.GetInt("default_max_attempts"),

		SubmitRateLimit:  v.GetInt("submit_rate_limit"),
		SubmitRateWindow: v.GetDuration("submit_rate_window"),
	}
}
