package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"gridtrader/internal/models"
)

const (
	snapshotKeyPrefix = "snapshot:"
	gridConfigKey     = "gridconfig"
)

// BadgerRepository is a SnapshotRepository backed by an embedded Badger
// store. Snapshots are keyed by date so each trading day keeps its own
// record.
type BadgerRepository struct {
	db     *badger.DB
	logger *zap.SugaredLogger
}

// NewBadgerRepository opens (or creates) the store at path.
func NewBadgerRepository(path string, logger *zap.SugaredLogger) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty for an embedded store
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", path, err)
	}
	return &BadgerRepository{db: db, logger: logger}, nil
}

// SaveSnapshot stores the snapshot under its date key.
func (r *BadgerRepository) SaveSnapshot(snapshot *models.PaperSnapshot) error {
	if snapshot == nil || snapshot.Date == "" {
		return fmt.Errorf("snapshot must have a date")
	}
	return r.setJSON(snapshotKeyPrefix+snapshot.Date, snapshot)
}

// LoadSnapshot loads the snapshot for a date. Missing or corrupt records
// return (nil, nil): the caller starts fresh either way.
func (r *BadgerRepository) LoadSnapshot(date string) (*models.PaperSnapshot, error) {
	var snap models.PaperSnapshot
	ok, err := r.getJSON(snapshotKeyPrefix+date, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// LoadLatestSnapshot scans all stored snapshots and returns the one with
// the lexicographically greatest date key, which for YYYY-MM-DD keys is the
// most recent.
func (r *BadgerRepository) LoadLatestSnapshot() (*models.PaperSnapshot, error) {
	var latest *models.PaperSnapshot
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var latestKey string
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if key <= latestKey {
				continue
			}
			var snap models.PaperSnapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				r.logger.Warnf("skipping corrupt snapshot %s: %v", key, err)
				continue
			}
			latestKey = key
			latest = &snap
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	return latest, nil
}

// SaveGridConfig stores the active grid configuration.
func (r *BadgerRepository) SaveGridConfig(cfg *models.GridConfig) error {
	if cfg == nil {
		return fmt.Errorf("grid config must not be nil")
	}
	return r.setJSON(gridConfigKey, cfg)
}

// LoadGridConfig loads the stored grid configuration, (nil, nil) when none
// exists.
func (r *BadgerRepository) LoadGridConfig() (*models.GridConfig, error) {
	var cfg models.GridConfig
	ok, err := r.getJSON(gridConfigKey, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// SnapshotDates lists the dates of all stored snapshots in ascending order.
func (r *BadgerRepository) SnapshotDates() ([]string, error) {
	var dates []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			dates = append(dates, strings.TrimPrefix(string(it.Item().Key()), snapshotKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshot dates: %w", err)
	}
	return dates, nil
}

// Close releases the store.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

func (r *BadgerRepository) setJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// getJSON reads and decodes a key. Returns (false, nil) when the key is
// missing or its value cannot be decoded.
func (r *BadgerRepository) getJSON(key string, out any) (bool, error) {
	var data []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		r.logger.Warnf("corrupt record at %s, treating as absent: %v", key, err)
		return false, nil
	}
	return true, nil
}
