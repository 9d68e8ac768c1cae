package config

// Observability configures trace export. Tracing is optional on constrained
// deployments: an empty TracingURL disables the exporter entirely.
type Observability struct {
	ServiceName string `mapstructure:"service_name"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
}
