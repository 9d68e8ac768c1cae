package spool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-relay/pkg/config"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name        string
		cfg         config.SpoolSettings
		expected    any
		expectedErr string
	}{
		{
			name:     "file spool",
			cfg:      config.SpoolSettings{Type: "file", Dir: dir},
			expected: &fileSpool{},
		},
		{
			name:     "sqlite spool",
			cfg:      config.SpoolSettings{Type: "sqlite", Dir: dir, DSN: filepath.Join(dir, "spool.db")},
			expected: &sqliteSpool{},
		},
		{
			name:        "unsupported type",
			cfg:         config.SpoolSettings{Type: "redis"},
			expectedErr: "unsupported spool type: redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, "scan_events")
			if tt.expectedErr != "" {
				assert.Nil(t, s)
				assert.EqualError(t, err, tt.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.IsType(t, tt.expected, s)
			assert.NoError(t, s.Close())
		})
	}
}
