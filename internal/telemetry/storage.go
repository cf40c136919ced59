package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const storageQueueSize = 1000

// Storage appends records as JSONL with daily file rotation and a retention
// sweep. Writes are queued through a bounded channel: the producer never
// blocks, samples are dropped on overflow (real-time telemetry is always
// preferred over persistence).
//
// The same writer backs telemetry history (prefix "telemetry") and the
// command audit log (prefix "commands").
type Storage struct {
	basePath      string
	prefix        string
	retentionDays int

	queue chan any

	mu          sync.Mutex
	file        *os.File
	currentDate string
	written     uint64
	dropped     uint64

	logger *zap.Logger
}

// NewStorage builds a writer rooted at basePath with the given file prefix.
func NewStorage(basePath, prefix string, retentionDays int, logger *zap.Logger) (*Storage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{
		basePath:      basePath,
		prefix:        prefix,
		retentionDays: retentionDays,
		queue:         make(chan any, storageQueueSize),
		logger:        logger,
	}, nil
}

// Enqueue queues one record for asynchronous persistence. Never blocks; the
// record is dropped when the queue is full.
func (s *Storage) Enqueue(record any) {
	select {
	case s.queue <- record:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Run drains the queue until ctx is cancelled, then flushes what remains.
func (s *Storage) Run(ctx context.Context) {
	s.logger.Info("storage writer started",
		zap.String("path", s.basePath),
		zap.String("prefix", s.prefix),
		zap.Int("retention_days", s.retentionDays))

	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()
	s.cleanup()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.closeFile()
			s.logger.Info("storage writer stopped",
				zap.Uint64("written", s.Written()), zap.Uint64("dropped", s.Dropped()))
			return
		case record := <-s.queue:
			s.write(record)
		case <-cleanupTicker.C:
			s.cleanup()
		}
	}
}

func (s *Storage) drain() {
	for {
		select {
		case record := <-s.queue:
			s.write(record)
		default:
			return
		}
	}
}

func (s *Storage) write(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("storage marshal failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateLocked(); err != nil {
		s.logger.Error("storage rotate failed", zap.Error(err))
		return
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		s.logger.Error("storage write failed", zap.Error(err))
		return
	}
	s.written++
}

// rotateLocked opens a new file when the day changes. Caller holds s.mu.
func (s *Storage) rotateLocked() error {
	today := time.Now().Format("20060102")
	if s.currentDate == today && s.file != nil {
		return nil
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	path := filepath.Join(s.basePath, fmt.Sprintf("%s_%s.jsonl", s.prefix, today))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	s.file = file
	s.currentDate = today
	s.logger.Info("storage rotated", zap.String("file", path))
	return nil
}

// cleanup removes files older than the retention window.
func (s *Storage) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).Format("20060102")
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		s.logger.Warn("storage cleanup scan failed", zap.Error(err))
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, s.prefix+"_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, s.prefix+"_"), ".jsonl")
		if date < cutoff {
			path := filepath.Join(s.basePath, name)
			if err := os.Remove(path); err != nil {
				s.logger.Warn("storage cleanup remove failed",
					zap.String("file", path), zap.Error(err))
			} else {
				s.logger.Info("storage removed expired file", zap.String("file", path))
			}
		}
	}
}

func (s *Storage) closeFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Written returns the number of records persisted.
func (s *Storage) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Dropped returns the number of records dropped on queue overflow.
func (s *Storage) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
