package config

import "time"

// BrokerSettings holds configuration for the message broker the relay handler forwards events to.
type BrokerSettings struct {
	Type      string   `mapstructure:"type" validate:"omitempty,oneof=rabbitmq gcp-pubsub kafka none"`
	URL       string   `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string   `mapstructure:"exchange"`
	ProjectID string   `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	PoolSize  int      `mapstructure:"pool_size"`                                         // RabbitMQ only
	Brokers   []string `mapstructure:"brokers" validate:"required_if=Type kafka"`         // Kafka only
}

// DbSettings selects and configures the event store.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres sqlite spanner mongo memory"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres,required_if=Type sqlite"`
	URI        string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	DBName     string `mapstructure:"db_name"`
	Collection string `mapstructure:"collection"`
}

// RedisSettings configures the optional publish-time lock.
type RedisSettings struct {
	URL     string        `mapstructure:"url"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}
