package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ModeServe = "serve"
	ModeBatch = "batch"
)

type Settings struct {
	Mode              string              `mapstructure:"mode" validate:"oneof=serve batch"`
	Database          DbSettings          `mapstructure:"database"`
	Broker            BrokerSettings      `mapstructure:"broker"`
	Redis             RedisSettings       `mapstructure:"redis"`
	Processor         ProcessorSettings   `mapstructure:"processor"`
	HTTP              HTTPSettings        `mapstructure:"http"`
	Channels          ChannelSettings     `mapstructure:"channels"`
	DefaultMaxRetries int                 `mapstructure:"default_max_retries" validate:"gte=0"`
	EventTypes        []EventTypeSettings `mapstructure:"event_types" validate:"dive"`
	Observability     Observability       `mapstructure:"observability"` // Observability settings
}

// ProcessorSettings controls the claim loop.
type ProcessorSettings struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" validate:"gt=0"` // processing rows older than this are reclaimed
	Concurrency  int           `mapstructure:"concurrency" validate:"gt=0"`
}

type HTTPSettings struct {
	Listen         string        `mapstructure:"listen"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// ChannelSettings holds the endpoints of the external integrations handlers call.
type ChannelSettings struct {
	ChatURL       string `mapstructure:"chat_url" validate:"omitempty,url"`
	ChatToken     string `mapstructure:"chat_token"`
	CalendarURL   string `mapstructure:"calendar_url" validate:"omitempty,url"`
	CalendarToken string `mapstructure:"calendar_token"`
}

// EventTypeSettings lists the handlers registered for one event type.
type EventTypeSettings struct {
	Type       string            `mapstructure:"type" validate:"required"`
	MaxRetries int               `mapstructure:"max_retries" validate:"gte=0"`
	Handlers   []HandlerSettings `mapstructure:"handlers" validate:"dive"`
}

type HandlerSettings struct {
	Name     string                 `mapstructure:"name" validate:"required"`
	Mode     string                 `mapstructure:"mode" validate:"oneof=sync async"`
	Priority int                    `mapstructure:"priority"`
	SLA      SLASettings            `mapstructure:"sla"`
	Retry    *RetryOverrideSettings `mapstructure:"retry"`
}

type SLASettings struct {
	TargetCompletion time.Duration `mapstructure:"target_completion" validate:"gte=0"`
	AlertThreshold   time.Duration `mapstructure:"alert_threshold" validate:"gtefield=TargetCompletion"`
}

type RetryOverrideSettings struct {
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0"`
	Backoff           time.Duration `mapstructure:"backoff" validate:"gte=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=0"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.EventTypes))
	for _, et := range c.EventTypes {
		if _, dup := seen[et.Type]; dup {
			return fmt.Errorf("event type %q configured twice", et.Type)
		}
		seen[et.Type] = struct{}{}
	}
	return nil
}

// ApplyDefaults fills zero values with the defaults the service runs with.
func (c *Settings) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeServe
	}
	if c.Processor.BatchSize <= 0 {
		c.Processor.BatchSize = 10
	}
	if c.Processor.PollInterval <= 0 {
		c.Processor.PollInterval = 5 * time.Second
	}
	if c.Processor.LeaseTimeout <= 0 {
		c.Processor.LeaseTimeout = 5 * time.Minute
	}
	if c.Processor.Concurrency <= 0 {
		c.Processor.Concurrency = 1
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.HTTP.WebhookTimeout <= 0 {
		c.HTTP.WebhookTimeout = 5 * time.Second
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 10 * time.Second
	}
	if c.Broker.Type == "" {
		c.Broker.Type = "none"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	for i := range c.EventTypes {
		for j := range c.EventTypes[i].Handlers {
			if c.EventTypes[i].Handlers[j].Mode == "" {
				c.EventTypes[i].Handlers[j].Mode = "async"
			}
		}
	}
}

// BindFlags registers the command-line overrides and binds them into viper.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("mode", ModeServe, "run mode: serve (poll loop and admin API) or batch (one batch then exit)")
	fs.Int("batch-size", 0, "maximum events claimed per batch")
	fs.String("listen", "", "admin API listen address")

	viper.BindPFlag("mode", fs.Lookup("mode"))
	viper.BindPFlag("processor.batch_size", fs.Lookup("batch-size"))
	viper.BindPFlag("http.listen", fs.Lookup("listen"))
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("eventbus")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "eventbus."+env)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("EVENTBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like EVENTBUS_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("mode")
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.db_name")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.project_id")
	viper.BindEnv("redis.url")
	viper.BindEnv("processor.batch_size")
	viper.BindEnv("processor.poll_interval")
	viper.BindEnv("processor.lease_timeout")
	viper.BindEnv("processor.concurrency")
	viper.BindEnv("http.listen")
	viper.BindEnv("channels.chat_url")
	viper.BindEnv("channels.chat_token")
	viper.BindEnv("channels.calendar_url")
	viper.BindEnv("channels.calendar_token")
	viper.BindEnv("default_max_retries")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.log_level")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
