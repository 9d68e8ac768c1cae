package config

import "time"

// MonitorSettings controls liveness polling, reconnect backoff and drain
// scheduling. The liveness poll is deliberately short so loss is noticed
// quickly; the retry interval is longer so an outage is not hammered.
type MonitorSettings struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	MaxRetryInterval    time.Duration `mapstructure:"max_retry_interval"`
	SafetyDrainInterval time.Duration `mapstructure:"safety_drain_interval"`
	QuarantineCap       int           `mapstructure:"quarantine_cap"`
}

func (m *MonitorSettings) applyDefaults() {
	if m.PollInterval <= 0 {
		m.PollInterval = 5 * time.Second
	}
	if m.RetryInterval <= 0 {
		m.RetryInterval = 30 * time.Second
	}
	if m.MaxRetryInterval <= 0 {
		m.MaxRetryInterval = 5 * time.Minute
	}
	if m.SafetyDrainInterval < 0 {
		m.SafetyDrainInterval = 0
	} else if m.SafetyDrainInterval == 0 {
		m.SafetyDrainInterval = time.Minute
	}
	if m.QuarantineCap <= 0 {
		m.QuarantineCap = 3
	}
}
