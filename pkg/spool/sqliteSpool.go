package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-relay/pkg/config"
)

// sqliteSpool keeps the spool in a local SQLite database. Append order is
// preserved through the rowid; the record sequence is stored alongside so
// Remove and Quarantine can address individual entries.
type sqliteSpool struct {
	db    *sql.DB
	queue string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spool (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    queue    TEXT    NOT NULL,
    seq      INTEGER NOT NULL,
    envelope TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS dead (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    queue          TEXT NOT NULL,
    entry          TEXT NOT NULL,
    cause          TEXT NOT NULL,
    quarantined_at TEXT NOT NULL
);`

func newSqliteSpool(cfg config.SpoolSettings, queue string) (*sqliteSpool, error) {
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite spool: %v", ErrSpoolWrite, err)
	}
	// A single writer keeps append/remove interleavings serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create spool schema: %v", ErrSpoolWrite, err)
	}
	return &sqliteSpool{db: db, queue: queue}, nil
}

func (s *sqliteSpool) Append(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrSpoolWrite, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spool (queue, seq, envelope) VALUES (?, ?, ?)`,
		s.queue, env.Record.Sequence, string(raw))
	if err != nil {
		return fmt.Errorf("%w: insert envelope: %v", ErrSpoolWrite, err)
	}
	return nil
}

func (s *sqliteSpool) LoadAll(ctx context.Context) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, envelope FROM spool WHERE queue = ? ORDER BY id`, s.queue)
	if err != nil {
		return nil, fmt.Errorf("%w: select envelopes: %v", ErrSpoolCorrupt, err)
	}
	defer rows.Close()

	envs := []Envelope{}
	type corruptRow struct {
		id  int64
		raw string
	}
	var corrupt []corruptRow
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan envelope: %v", ErrSpoolCorrupt, err)
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			corrupt = append(corrupt, corruptRow{id: id, raw: raw})
			continue
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate envelopes: %v", ErrSpoolCorrupt, err)
	}

	for _, row := range corrupt {
		log.Warn().Int64("row", row.id).Str("queue", s.queue).
			Msg("quarantining undecodable spool row")
		if err := s.moveToDead(ctx, row.id, row.raw, "undecodable entry"); err != nil {
			return nil, err
		}
	}
	return envs, nil
}

func (s *sqliteSpool) Remove(ctx context.Context, sequence uint64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spool WHERE id = (
		     SELECT MIN(id) FROM spool WHERE queue = ? AND seq = ?
		 )`, s.queue, sequence)
	if err != nil {
		return fmt.Errorf("%w: delete envelope: %v", ErrSpoolWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete envelope: %v", ErrSpoolWrite, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	return nil
}

func (s *sqliteSpool) Quarantine(ctx context.Context, sequence uint64, cause string) error {
	var id int64
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, envelope FROM spool WHERE queue = ? AND seq = ? ORDER BY id LIMIT 1`,
		s.queue, sequence).Scan(&id, &raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	if err != nil {
		return fmt.Errorf("%w: select envelope: %v", ErrSpoolCorrupt, err)
	}
	return s.moveToDead(ctx, id, raw, cause)
}

func (s *sqliteSpool) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spool WHERE queue = ?`, s.queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count envelopes: %v", ErrSpoolCorrupt, err)
	}
	return n, nil
}

func (s *sqliteSpool) DeadCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead WHERE queue = ?`, s.queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count dead entries: %v", ErrSpoolCorrupt, err)
	}
	return n, nil
}

func (s *sqliteSpool) Close() error {
	return s.db.Close()
}

func (s *sqliteSpool) moveToDead(ctx context.Context, id int64, raw, cause string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin quarantine: %v", ErrSpoolWrite, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dead (queue, entry, cause, quarantined_at) VALUES (?, ?, ?, ?)`,
		s.queue, raw, cause, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: insert dead entry: %v", ErrSpoolWrite, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spool WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete quarantined envelope: %v", ErrSpoolWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit quarantine: %v", ErrSpoolWrite, err)
	}
	return nil
}
