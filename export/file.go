package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/telemetry"
)

// FileConfig tunes the NDJSON audit sink.
type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// MaxSizeBytes rotates the file when appending would exceed it.
	MaxSizeBytes int64 `json:"max_size_bytes"`
	// Backups is how many rotated files are kept as path.1, path.2, ...
	// Zero truncates in place on rotation.
	Backups int `json:"backups"`
}

// DefaultFileConfig returns the sink disabled with an 8 MiB cap and two
// backups.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		MaxSizeBytes: 8 << 20,
		Backups:      2,
	}
}

// Validate checks the file sink configuration.
func (c FileConfig) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "FileConfig", "Validate", "path is required")
	}
	if c.MaxSizeBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "FileConfig", "Validate", "max_size_bytes must be positive")
	}
	if c.Backups < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "FileConfig", "Validate", "backups cannot be negative")
	}
	return nil
}

// FileSink appends one JSON object per record to an audit file, rotating
// when the size cap would be exceeded.
type FileSink struct {
	cfg    FileConfig
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileSink opens (or creates) the audit file and resumes appending.
func NewFileSink(cfg FileConfig, logger *slog.Logger) (*FileSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileSink", "NewFileSink", "create audit directory")
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileSink", "NewFileSink", "open audit file")
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.WrapFatal(err, "FileSink", "NewFileSink", "stat audit file")
	}

	return &FileSink{
		cfg:    cfg,
		logger: logger.With("component", "export-file"),
		file:   file,
		size:   info.Size(),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (f *FileSink) Name() string { return "file" }

// Export appends the records as NDJSON lines, rotating mid-batch when the
// cap is hit.
func (f *FileSink) Export(_ context.Context, records []telemetry.ClassifiedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return errors.WrapTransient(fmt.Errorf("sink closed"), "FileSink", "Export", "append records")
	}

	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return errors.WrapInvalid(err, "FileSink", "Export", "encode record")
		}
		line = append(line, '\n')

		if f.size > 0 && f.size+int64(len(line)) > f.cfg.MaxSizeBytes {
			if err := f.rotateLocked(); err != nil {
				return err
			}
		}

		n, err := f.file.Write(line)
		f.size += int64(n)
		if err != nil {
			return errors.WrapTransient(err, "FileSink", "Export", "append record")
		}
	}
	return nil
}

// rotateLocked shifts path.N backups up by one, moves the live file to
// path.1, and reopens a fresh file. With zero backups the live file is
// truncated in place.
func (f *FileSink) rotateLocked() error {
	if err := f.file.Close(); err != nil {
		f.logger.Warn("Audit file close during rotation failed", "error", err)
	}
	f.file = nil

	if f.cfg.Backups > 0 {
		for i := f.cfg.Backups - 1; i >= 1; i-- {
			from := fmt.Sprintf("%s.%d", f.cfg.Path, i)
			to := fmt.Sprintf("%s.%d", f.cfg.Path, i+1)
			if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
				return errors.WrapTransient(err, "FileSink", "rotate", "shift backup")
			}
		}
		if err := os.Rename(f.cfg.Path, f.cfg.Path+".1"); err != nil {
			return errors.WrapTransient(err, "FileSink", "rotate", "archive live file")
		}
	} else {
		if err := os.Remove(f.cfg.Path); err != nil {
			return errors.WrapTransient(err, "FileSink", "rotate", "truncate live file")
		}
	}

	file, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "FileSink", "rotate", "reopen audit file")
	}
	f.file = file
	f.size = 0
	f.logger.Info("Audit file rotated", "path", f.cfg.Path, "backups", f.cfg.Backups)
	return nil
}

// Close flushes nothing (writes are unbuffered) and releases the handle.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
