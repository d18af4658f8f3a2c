// Package store persists CoreBit state in SQLite. A single database file
// holds topology, credentials, history and settings; time-series tables are
// buffered in memory and batch-written by a background flusher.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/corebit/corebit/internal/errors"
)

// Config holds store tuning knobs
type Config struct {
	DBPath          string
	WriteBufferSize int           // buffered time-series rows before a batch write
	FlushInterval   time.Duration // max time between flushes
}

// DefaultConfig returns the store defaults for a data directory
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:          filepath.Join(dataDir, "corebit.db"),
		WriteBufferSize: 200,
		FlushInterval:   5 * time.Second,
	}
}

// Store is the SQLite-backed repository implementation
type Store struct {
	db     *sql.DB
	config Config

	bufferMu sync.Mutex
	buffer   []bufferedSample

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Open opens (creating if necessary) the database and starts the flush worker
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	// WAL for concurrent readers, busy_timeout for the single writer,
	// foreign_keys so ON DELETE CASCADE actually fires
	dsn := config.DBPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = 200
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	s := &Store{
		db:     db,
		config: config,
		buffer: make([]bufferedSample, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	go s.flushWorker()

	log.Info().Str("path", config.DBPath).Msg("Store opened")
	return s, nil
}

// Close flushes buffered samples and closes the database
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	if err := s.Flush(); err != nil {
		log.Error().Err(err).Msg("Final flush failed")
	}
	return s.db.Close()
}

// Ping verifies database liveness for the health endpoint
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'unknown',
		last_probed_at INTEGER,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		use_on_duty INTEGER NOT NULL DEFAULT 0,
		credential_profile_id TEXT,
		custom_credentials TEXT,
		device_data TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credential_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		credentials TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS maps (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_placements (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		map_id TEXT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
		x REAL NOT NULL DEFAULT 0,
		y REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, map_id)
	);

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		map_id TEXT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
		source_device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		target_device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		source_port TEXT NOT NULL DEFAULT '',
		target_port TEXT NOT NULL DEFAULT '',
		link_speed TEXT NOT NULL DEFAULT '1G',
		monitor_interface TEXT NOT NULL DEFAULT '',
		monitor_snmp_index INTEGER NOT NULL DEFAULT 0,
		link_stats TEXT,
		is_dynamic INTEGER NOT NULL DEFAULT 0,
		dynamic_type TEXT NOT NULL DEFAULT '',
		dynamic_metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connections_map ON connections(map_id);
	CREATE INDEX IF NOT EXISTS idx_connections_dynamic ON connections(is_dynamic);

	CREATE TABLE IF NOT EXISTS proxmox_nodes (
		cluster_name TEXT NOT NULL,
		node_name TEXT NOT NULL,
		host_device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (cluster_name, node_name)
	);

	CREATE TABLE IF NOT EXISTS proxmox_vms (
		id TEXT PRIMARY KEY,
		host_device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		vmid INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		cpu_percent REAL NOT NULL DEFAULT 0,
		memory_percent REAL NOT NULL DEFAULT 0,
		disk_percent REAL NOT NULL DEFAULT 0,
		ips TEXT,
		macs TEXT,
		updated_at INTEGER NOT NULL,
		UNIQUE (vmid, type)
	);
	CREATE INDEX IF NOT EXISTS idx_proxmox_vms_host ON proxmox_vms(host_device_id);

	CREATE TABLE IF NOT EXISTS vm_migrations (
		id TEXT PRIMARY KEY,
		vm_device_id TEXT NOT NULL,
		vmid INTEGER NOT NULL,
		vm_name TEXT NOT NULL DEFAULT '',
		from_device_id TEXT NOT NULL DEFAULT '',
		from_node_name TEXT NOT NULL DEFAULT '',
		to_device_id TEXT NOT NULL,
		to_node_name TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vm_migrations_time ON vm_migrations(created_at);

	CREATE TABLE IF NOT EXISTS device_status_events (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		previous_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_events_device ON device_status_events(device_id, created_at);

	CREATE TABLE IF NOT EXISTS device_metrics_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		cpu_percent REAL NOT NULL DEFAULT 0,
		memory_percent REAL NOT NULL DEFAULT 0,
		disk_percent REAL NOT NULL DEFAULT 0,
		ping_rtt_ms REAL NOT NULL DEFAULT 0,
		uptime_seconds INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_device ON device_metrics_history(device_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_metrics_time ON device_metrics_history(timestamp);

	CREATE TABLE IF NOT EXISTS prometheus_metrics_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		metric_id TEXT NOT NULL,
		value REAL NOT NULL,
		raw_value REAL NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prom_metrics ON prometheus_metrics_history(device_id, metric_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_prom_metrics_time ON prometheus_metrics_history(timestamp);

	CREATE TABLE IF NOT EXISTS connection_bandwidth_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id TEXT NOT NULL,
		in_bps REAL NOT NULL,
		out_bps REAL NOT NULL,
		utilisation REAL NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bandwidth_conn ON connection_bandwidth_history(connection_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_bandwidth_time ON connection_bandwidth_history(timestamp);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'POST',
		message_template TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_user_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_notifications (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		PRIMARY KEY (device_id, notification_id)
	);

	CREATE TABLE IF NOT EXISTS notification_history (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		success INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notification_history_time ON notification_history(created_at);

	CREATE TABLE IF NOT EXISTS on_duty_shifts (
		name TEXT PRIMARY KEY,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		timezone TEXT NOT NULL,
		user_ids TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS alarm_mutes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		muted_by TEXT NOT NULL DEFAULT '',
		mute_until INTEGER,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scan_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ip_range TEXT NOT NULL,
		credential_profile_ids TEXT NOT NULL DEFAULT '[]',
		probe_types TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Helpers shared by the per-entity files.

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func timeToUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func unixToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func repoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.ErrNotFound
	}
	return errors.NewRepositoryError(op, err)
}
