package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Settings is the full configuration surface of the relay agent. The engine
// consumes these values at construction; nothing is renegotiated at runtime.
type Settings struct {
	Broker        BrokerSettings  `mapstructure:"broker"`
	Spool         SpoolSettings   `mapstructure:"spool"`
	Monitor       MonitorSettings `mapstructure:"monitor"`
	Observability Observability   `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads relay.yaml from the given directory, merges the
// environment-specific overlay (relay.<ENVIRONMENT>.yaml) and RELAY_* env
// vars, applies defaults and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("no config file found or read error, relying on env")
	}

	if err := mergeConfig(filePath, "relay."+env); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("merging %s config: %w", env, err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading from env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like RELAY_BROKER_URL

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.queue")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.routing_key")
	viper.BindEnv("broker.project_id")
	viper.BindEnv("broker.connect_timeout")
	viper.BindEnv("spool.type")
	viper.BindEnv("spool.dir")
	viper.BindEnv("spool.dsn")
	viper.BindEnv("monitor.poll_interval")
	viper.BindEnv("monitor.retry_interval")
	viper.BindEnv("monitor.max_retry_interval")
	viper.BindEnv("monitor.safety_drain_interval")
	viper.BindEnv("monitor.quarantine_cap")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func (c *Settings) applyDefaults() {
	c.Broker.applyDefaults()
	c.Spool.applyDefaults()
	c.Monitor.applyDefaults()
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
