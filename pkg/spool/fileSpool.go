package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-relay/pkg/config"
)

// maxEntrySize bounds a single stored line when scanning the spool file.
const maxEntrySize = 4 * 1024 * 1024

// fileSpool stores envelopes as one JSON document per line in
// <dir>/<queue>.spool, with quarantined entries in <dir>/<queue>.dead.
// Appends are fsync'd; removals rewrite to a temp file and rename, so a crash
// mid-operation never corrupts previously stored envelopes.
type fileSpool struct {
	mu       sync.Mutex
	path     string
	deadPath string
}

func newFileSpool(cfg config.SpoolSettings, queue string) (*fileSpool, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create spool dir: %v", ErrSpoolWrite, err)
	}
	return &fileSpool{
		path:     filepath.Join(cfg.Dir, queue+".spool"),
		deadPath: filepath.Join(cfg.Dir, queue+".dead"),
	}, nil
}

func (s *fileSpool) Append(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrSpoolWrite, err)
	}
	return s.appendLine(s.path, line)
}

func (s *fileSpool) LoadAll(ctx context.Context) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, _, err := s.loadLocked(true)
	return envs, err
}

func (s *fileSpool) Remove(ctx context.Context, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Quarantine undecodable lines here too: the rewrite below would
	// otherwise drop them from disk without a trace.
	envs, _, err := s.loadLocked(true)
	if err != nil {
		return err
	}
	kept := envs[:0]
	found := false
	for _, env := range envs {
		if !found && env.Record.Sequence == sequence {
			found = true
			continue
		}
		kept = append(kept, env)
	}
	if !found {
		return fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	return s.rewriteLocked(kept)
}

func (s *fileSpool) Quarantine(ctx context.Context, sequence uint64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, _, err := s.loadLocked(true)
	if err != nil {
		return err
	}
	// kept shares envs' backing array, so the victim must be copied out
	// before appends start sliding later entries over its slot.
	kept := envs[:0]
	var victim *Envelope
	for i := range envs {
		if victim == nil && envs[i].Record.Sequence == sequence {
			v := envs[i]
			victim = &v
			continue
		}
		kept = append(kept, envs[i])
	}
	if victim == nil {
		return fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	raw, err := json.Marshal(victim)
	if err != nil {
		return fmt.Errorf("%w: encode quarantined envelope: %v", ErrSpoolWrite, err)
	}
	if err := s.quarantineLocked(string(raw), cause); err != nil {
		return err
	}
	return s.rewriteLocked(kept)
}

func (s *fileSpool) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, _, err := s.loadLocked(false)
	if err != nil {
		return 0, err
	}
	return len(envs), nil
}

func (s *fileSpool) DeadCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.deadPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: open dead store: %v", ErrSpoolCorrupt, err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntrySize)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: scan dead store: %v", ErrSpoolCorrupt, err)
	}
	return count, nil
}

func (s *fileSpool) Close() error {
	return nil
}

// loadLocked reads every stored line. Undecodable lines are moved to the dead
// store when quarantineCorrupt is set; the remaining valid envelopes are kept
// in append order. The caller must hold s.mu.
func (s *fileSpool) loadLocked(quarantineCorrupt bool) ([]Envelope, int, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return []Envelope{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open spool: %v", ErrSpoolCorrupt, err)
	}
	defer f.Close()

	var envs []Envelope
	var corrupt []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntrySize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			corrupt = append(corrupt, string(line))
			continue
		}
		envs = append(envs, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: scan spool: %v", ErrSpoolCorrupt, err)
	}
	if envs == nil {
		envs = []Envelope{}
	}

	if len(corrupt) > 0 && quarantineCorrupt {
		log.Warn().Int("entries", len(corrupt)).Str("spool", s.path).
			Msg("quarantining undecodable spool entries")
		for _, line := range corrupt {
			if err := s.quarantineLocked(line, "undecodable entry"); err != nil {
				return nil, 0, err
			}
		}
		if err := s.rewriteLocked(envs); err != nil {
			return nil, 0, err
		}
	}
	return envs, len(corrupt), nil
}

// rewriteLocked atomically replaces the spool file with the given envelopes.
// An empty set removes the file entirely. The caller must hold s.mu.
func (s *fileSpool) rewriteLocked(envs []Envelope) error {
	if len(envs) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove empty spool: %v", ErrSpoolWrite, err)
		}
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open temp spool: %v", ErrSpoolWrite, err)
	}
	w := bufio.NewWriter(f)
	for _, env := range envs {
		line, err := json.Marshal(env)
		if err != nil {
			f.Close()
			return fmt.Errorf("%w: encode envelope: %v", ErrSpoolWrite, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("%w: write temp spool: %v", ErrSpoolWrite, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: flush temp spool: %v", ErrSpoolWrite, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync temp spool: %v", ErrSpoolWrite, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close temp spool: %v", ErrSpoolWrite, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: replace spool: %v", ErrSpoolWrite, err)
	}
	return nil
}

func (s *fileSpool) quarantineLocked(entry, cause string) error {
	line, err := json.Marshal(DeadEntry{
		Entry:         entry,
		Cause:         cause,
		QuarantinedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode dead entry: %v", ErrSpoolWrite, err)
	}
	return s.appendLine(s.deadPath, line)
}

func (s *fileSpool) appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrSpoolWrite, filepath.Base(path), err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("%w: append to %s: %v", ErrSpoolWrite, filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrSpoolWrite, filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrSpoolWrite, filepath.Base(path), err)
	}
	return nil
}
