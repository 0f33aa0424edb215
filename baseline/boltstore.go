package baseline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c360/energysense/errors"
)

var baselineBucket = []byte("baselines")

// Store persists baseline state to an embedded bbolt database so a restart
// resumes with warm baselines instead of reseeding from first observations.
// Persistence is continuity only; correctness never depends on it.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the bbolt database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "OpenStore", "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(baselineBucket)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "Store", "OpenStore", "create bucket")
	}

	return &Store{db: db, logger: logger}, nil
}

// Load reads all persisted baseline stats. Entries that fail to decode are
// skipped with a warning; a stale or damaged entry must not block startup.
func (s *Store) Load() ([]Stat, error) {
	var stats []Stat

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(baselineBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var stat Stat
			if uerr := json.Unmarshal(v, &stat); uerr != nil {
				s.logger.Warn("skipping undecodable baseline entry",
					"block_id", string(k), "error", uerr)
				return nil
			}
			stats = append(stats, stat)
			return nil
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Load", "read bucket")
	}

	return stats, nil
}

// Save writes the given stats, replacing any previous entry per block.
func (s *Store) Save(stats []Stat) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(baselineBucket)
		for _, stat := range stats {
			raw, merr := json.Marshal(stat)
			if merr != nil {
				return merr
			}
			if perr := b.Put([]byte(stat.BlockID), raw); perr != nil {
				return perr
			}
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Store", "Save", "write bucket")
	}
	return nil
}

// Run flushes the tracker on the given interval until the context is
// cancelled, then performs a final flush. Intended as a goroutine owned by
// the process supervisor.
func (s *Store) Run(ctx context.Context, tracker *Tracker, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(tracker.All()); err != nil {
				s.logger.Warn("final baseline flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Save(tracker.All()); err != nil {
				s.logger.Warn("baseline flush failed", "error", err)
			}
		}
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "Store", "Close", "close database")
	}
	return nil
}
