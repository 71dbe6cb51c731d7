package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the reaper service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	InstanceID   string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	ScanInterval time.Duration
	StuckTimeout time.Duration
	LeaderTTL    time.Duration
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

		ScanInterval: v.GetDuration("scan_interval"),
		StuckTimeout: v.GetDuration("stuck_timeout"),
		LeaderTTL:    v.GetDuration("leader_ttl"),
	}
}
