package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/telemetry"
)

// FileTailConfig configures the delimited feed tailer.
type FileTailConfig struct {
	Path         string        `json:"path" yaml:"path"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	FromStart    bool          `json:"from_start" yaml:"from_start"`
}

// DefaultFileTailConfig polls once a second starting at the current end
// of file.
func DefaultFileTailConfig() FileTailConfig {
	return FileTailConfig{PollInterval: time.Second}
}

// Validate checks the feed location and cadence.
func (c *FileTailConfig) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"FileTailConfig", "Validate", "feed path required")
	}
	if c.PollInterval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("poll interval %v must be positive", c.PollInterval),
			"FileTailConfig", "Validate", "interval validation")
	}
	return nil
}

// FileTailDeps holds runtime dependencies for the tailer.
type FileTailDeps struct {
	Config  FileTailConfig
	Metrics *Metrics
	Logger  *slog.Logger
}

// FileTail follows an append-only delimited feed file, emitting each new
// complete row as an event. A file smaller than the consumed offset is
// treated as rotated and reread from the beginning. A trailing partial
// line stays unconsumed until the writer finishes it.
type FileTail struct {
	cfg     FileTailConfig
	logger  *slog.Logger
	metrics *Metrics

	offset  int64
	missing bool

	now func() time.Time
}

// NewFileTail creates a tailer for the configured feed file.
func NewFileTail(deps FileTailDeps) *FileTail {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTail{
		cfg:     deps.Config,
		logger:  logger.With("component", "source-file"),
		metrics: deps.Metrics,
		now:     time.Now,
	}
}

// Name implements Source.
func (t *FileTail) Name() string { return OriginFile }

// Run polls the feed until ctx is cancelled.
func (t *FileTail) Run(ctx context.Context, sink chan<- telemetry.Event) error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}
	t.prime()

	t.logger.Info("Tailing telemetry feed",
		"path", t.cfg.Path,
		"poll_interval", t.cfg.PollInterval,
		"from_start", t.cfg.FromStart)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.poll(ctx, sink)
		}
	}
}

// prime positions the tail at its starting offset. Without FromStart the
// existing file content is skipped and only rows appended afterwards
// flow into the pipeline.
func (t *FileTail) prime() {
	if t.cfg.FromStart {
		return
	}
	if info, err := os.Stat(t.cfg.Path); err == nil {
		t.offset = info.Size()
	}
}

// poll reads rows appended since the last poll.
func (t *FileTail) poll(ctx context.Context, sink chan<- telemetry.Event) {
	info, err := os.Stat(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if !t.missing {
				t.missing = true
				t.logger.Warn("Feed file missing, waiting for it to appear", "path", t.cfg.Path)
			}
			return
		}
		t.metrics.sourceError(OriginFile)
		t.logger.Warn("Feed file stat failed", "path", t.cfg.Path, "error", err)
		return
	}
	if t.missing {
		t.missing = false
		t.logger.Info("Feed file appeared", "path", t.cfg.Path)
	}

	size := info.Size()
	if size < t.offset {
		t.logger.Info("Feed file truncated or rotated, rereading from start",
			"path", t.cfg.Path,
			"previous_offset", t.offset,
			"size", size)
		t.offset = 0
	}
	if size == t.offset {
		return
	}

	file, err := os.Open(t.cfg.Path)
	if err != nil {
		t.metrics.sourceError(OriginFile)
		t.logger.Warn("Feed file open failed", "path", t.cfg.Path, "error", err)
		return
	}
	defer file.Close()

	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		t.metrics.sourceError(OriginFile)
		t.logger.Warn("Feed file seek failed", "path", t.cfg.Path, "offset", t.offset, "error", err)
		return
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial tail line waits for the writer to finish it.
			if err != io.EOF {
				t.metrics.sourceError(OriginFile)
				t.logger.Warn("Feed file read failed", "path", t.cfg.Path, "error", err)
			}
			return
		}
		if !t.emit(ctx, sink, line) {
			return
		}
		t.offset += int64(len(line))
	}
}

// emit parses one row and pushes it into the sink. Malformed rows and
// the header row are dropped without stopping the tail. A false return
// means the sink is gone and the poll should stop.
func (t *FileTail) emit(ctx context.Context, sink chan<- telemetry.Event, line string) bool {
	row := strings.TrimSpace(line)
	if row == "" || strings.HasPrefix(strings.ToLower(row), "block_id,") {
		return true
	}

	ev, err := telemetry.ParseRow(row, t.now())
	if err != nil {
		t.metrics.malformedDropped(OriginFile)
		t.logger.Warn("Dropping malformed feed row", "error", err)
		return true
	}
	ev.Origin = OriginFile

	select {
	case sink <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
