package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors surfaced by the store. A corrupt or future-schema file is
// treated as a miss by replay callers: the live agent simply runs fresh.
var (
	ErrCacheMiss    = errors.New("no cache file for goal")
	ErrCorruptCache = errors.New("corrupt cache file")
)

const fileExt = ".cache.json"

// FileStore persists cache files as versioned JSON documents in a single
// directory, one file per goal. Concurrent executions sharing a file get
// last-writer-wins metadata semantics; this is a developer tool, not a
// multi-tenant store.
type FileStore struct {
	dir string
	log *zap.Logger
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &FileStore{
		dir: dir,
		log: logger.Named("cachestore"),
	}, nil
}

// PathFor maps a goal to its cache file path. Goals are content-addressed so
// punctuation and length never leak into the filesystem.
func (s *FileStore) PathFor(goal string) string {
	sum := sha256.Sum256([]byte(normalizeGoal(goal)))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+fileExt)
}

// normalizeGoal collapses whitespace and case so trivially reworded goals
// hit the same file.
func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

// Load retrieves and migrates the cache file for a goal.
func (s *FileStore) Load(goal string) (*CacheFile, error) {
	return s.LoadPath(s.PathFor(goal))
}

// LoadPath retrieves a cache file by explicit path.
func (s *FileStore) LoadPath(path string) (*CacheFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}
	file, err := decodeCacheFile(data)
	if err != nil {
		s.log.Warn("Cache file unreadable, treating as miss",
			zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return file, nil
}

// Save writes a cache file atomically (temp file then rename).
func (s *FileStore) Save(file *CacheFile) error {
	if err := file.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid cache file: %w", err)
	}
	path := s.PathFor(file.Metadata.Goal)

	data, err := json.MarshalIndent(file, "", " ")
	if err != nil {
		return fmt.Errorf("failed to encode cache file: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to install cache file: %w", err)
	}

	s.log.Debug("Cache file saved",
		zap.String("path", path), zap.Int("steps", len(file.Trajectory)))
	return nil
}

// List returns every cache file in the store, skipping unreadable entries.
func (s *FileStore) List() ([]*CacheFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	var files []*CacheFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		f, err := s.LoadPath(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// -- Metadata mutation entrypoints --
//
// These are the only places cache metadata changes after recording. Each one
// persists the updated file back to storage. The failure list is append-only.

// RecordAttempt notes the start of a replay attempt.
func (s *FileStore) RecordAttempt(file *CacheFile) error {
	now := time.Now().UTC()
	file.Metadata.Attempts++
	file.Metadata.LastExecutedAt = &now
	return s.Save(file)
}

// RecordStepFailure appends a failure record for a step index, carrying the
// historical failure count for that index including this one.
func (s *FileStore) RecordStepFailure(file *CacheFile, stepIndex int, msg string) error {
	rec := FailureRecord{
		Timestamp:   time.Now().UTC(),
		StepIndex:   stepIndex,
		Error:       msg,
		CountAtStep: file.StepFailureCount(stepIndex) + 1,
	}
	file.Metadata.Failures = append(file.Metadata.Failures, rec)
	s.log.Info("Replay step failure recorded",
		zap.String("goal", file.Metadata.Goal),
		zap.Int("step_index", stepIndex),
		zap.Int("count_at_step", rec.CountAtStep))
	return s.Save(file)
}

// Invalidate marks a cache file unusable for replay without deleting it.
func (s *FileStore) Invalidate(file *CacheFile, reason string) error {
	file.Metadata.IsValid = false
	file.Metadata.InvalidReason = &reason
	s.log.Info("Cache file invalidated",
		zap.String("goal", file.Metadata.Goal), zap.String("reason", reason))
	return s.Save(file)
}

// MarkValid restores a previously invalidated cache file.
func (s *FileStore) MarkValid(file *CacheFile) error {
	file.Metadata.IsValid = true
	file.Metadata.InvalidReason = nil
	return s.Save(file)
}

// AddTokenCost accumulates reasoning token spend into the metadata.
func (s *FileStore) AddTokenCost(file *CacheFile, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	file.Metadata.TokenCost += tokens
	return s.Save(file)
}
