package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wildcastradio/aircast/internal/playback"
)

// DB persists client state — listener playback settings and the DJ's
// broadcast flag — in a SQLite database under the config directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the state database in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "state.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the UI and the app loop.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string { return d.path }

const (
	keyPlayback     = "playback"
	keyBroadcasting = "broadcasting"
)

// SavePlayback stores the listener playback state.
func (d *DB) SavePlayback(s playback.SavedState) error {
	return d.setJSON(keyPlayback, s)
}

// LoadPlayback returns the saved playback state; ok is false when none
// has ever been written.
func (d *DB) LoadPlayback() (playback.SavedState, bool, error) {
	var s playback.SavedState
	ok, err := d.getJSON(keyPlayback, &s)
	return s, ok, err
}

// SetBroadcasting records whether the DJ had a live broadcast, so a
// crashed client can offer to pick it back up on restart.
func (d *DB) SetBroadcasting(broadcastID string, live bool) error {
	return d.setJSON(keyBroadcasting, broadcastFlag{ID: broadcastID, Live: live, At: time.Now()})
}

// Broadcasting returns the persisted broadcast flag.
func (d *DB) Broadcasting() (id string, live bool, err error) {
	var f broadcastFlag
	ok, err := d.getJSON(keyBroadcasting, &f)
	if err != nil || !ok {
		return "", false, err
	}
	return f.ID, f.Live, nil
}

type broadcastFlag struct {
	ID   string    `json:"id"`
	Live bool      `json:"live"`
	At   time.Time `json:"at"`
}

func (d *DB) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, string(data))
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (d *DB) getJSON(key string, v any) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var raw string
	err := d.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
