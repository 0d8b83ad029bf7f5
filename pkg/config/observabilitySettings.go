package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"`
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}
