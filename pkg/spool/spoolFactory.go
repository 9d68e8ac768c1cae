package spool

import (
	"fmt"

	"github.com/zoff-tech/go-relay/pkg/config"
)

// New builds the spool backend selected by the configuration. The store is
// keyed by the destination queue: one logical spool per destination.
func New(cfg config.SpoolSettings, queue string) (Spool, error) {
	switch cfg.Type {
	case "file":
		return newFileSpool(cfg, queue)
	case "sqlite":
		return newSqliteSpool(cfg, queue)
	default:
		return nil, fmt.Errorf("unsupported spool type: %s", cfg.Type)
	}
}
