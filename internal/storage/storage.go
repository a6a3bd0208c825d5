package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "pacebot/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the snapshot store.
//
// Driver values:
//   - "file":   dependency-free file backend (one JSON file per key)
//   - "sqlite": SQLite database file
//   - "redis":  Redis server (keys namespaced by Path)
//
// If Driver is empty or "none", storage is disabled and the engine runs
// in-memory only.
type Config struct {
	Driver      string
	Path        string        // file: directory; sqlite: db file; redis: key prefix
	Addr        string        // redis only
	Password    string        // redis only
	DB          int           // redis only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a keyed snapshot store. Each stateful component owns a small set
// of namespaced keys (e.g. "session/default/ratebudget") and round-trips one
// JSON document per key.
type Store interface {
	Load(ctx context.Context, key string) (data []byte, ok bool, err error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Snapshot wraps a component document with the time it was written, so a
// loader can decide whether the snapshot's rolling window has already
// elapsed.
type Snapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// SaveJSON marshals v into a Snapshot stamped with now and writes it under key.
// A nil store is a no-op (storage disabled).
func SaveJSON(ctx context.Context, s Store, key string, now time.Time, v any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Snapshot{SavedAt: now, Data: raw})
	if err != nil {
		return err
	}
	return s.Save(ctx, key, b)
}

// LoadJSON reads the Snapshot under key and unmarshals its document into v.
// Returns the snapshot timestamp and whether a snapshot existed.
func LoadJSON(ctx context.Context, s Store, key string, v any) (time.Time, bool, error) {
	if s == nil {
		return time.Time{}, false, nil
	}
	b, ok, err := s.Load(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return time.Time{}, false, err
	}
	if err := json.Unmarshal(snap.Data, v); err != nil {
		return time.Time{}, false, err
	}
	return snap.SavedAt, true, nil
}
