package config

// SpoolSettings selects and locates the durable fallback store.
type SpoolSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=file sqlite"`
	Dir  string `mapstructure:"dir"`
	DSN  string `mapstructure:"dsn"` // sqlite database path
}

func (s *SpoolSettings) applyDefaults() {
	if s.Type == "" {
		s.Type = "file"
	}
	if s.Dir == "" {
		s.Dir = "./relay-spool"
	}
	if s.Type == "sqlite" && s.DSN == "" {
		s.DSN = s.Dir + "/relay-spool.db"
	}
}
