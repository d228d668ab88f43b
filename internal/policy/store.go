package policy

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qefleet/qefleet/pkg/models"
)

// Store provides SQLite-backed persistence for the policy's value table
// and the append-only learning record log.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// DefaultDBPath returns the path to the fleet's policy database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "qefleet", "policy.db")
}

// OpenStore opens the policy database at the given path, creating parent
// directories and applying migrations. WAL mode is enabled for
// concurrent reads.
func OpenStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{
		db:     conn,
		dbPath: dbPath,
	}

	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// migrate creates the necessary tables and indexes if they don't exist.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS policy_schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM policy_schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Values},
		{2, migrationV2Records},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return err
		}

		if _, err := tx.Exec("INSERT INTO policy_schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

const migrationV1Values = `
CREATE TABLE IF NOT EXISTS policy_values (
	bucket TEXT NOT NULL,
	tier TEXT NOT NULL,
	value REAL NOT NULL DEFAULT 0,
	visits INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (bucket, tier)
);
`

const migrationV2Records = `
CREATE TABLE IF NOT EXISTS learning_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT,
	bucket TEXT NOT NULL,
	tier TEXT NOT NULL,
	reward REAL NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_records_bucket ON learning_records(bucket, tier);
CREATE INDEX IF NOT EXISTS idx_learning_records_created_at ON learning_records(created_at);
`

// ValueRow is one persisted (bucket, tier) estimate.
type ValueRow struct {
	Bucket string
	Tier   models.Tier
	Value  float64
	Visits int
}

// LoadValues reads the full persisted value table.
func (s *Store) LoadValues() ([]ValueRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT bucket, tier, value, visits FROM policy_values")
	if err != nil {
		return nil, fmt.Errorf("load policy values: %w", err)
	}
	defer rows.Close()

	var result []ValueRow
	for rows.Next() {
		var r ValueRow
		var tier string
		if err := rows.Scan(&r.Bucket, &tier, &r.Value, &r.Visits); err != nil {
			return nil, fmt.Errorf("scan policy value: %w", err)
		}
		r.Tier = models.Tier(tier)
		result = append(result, r)
	}
	return result, rows.Err()
}

// UpsertValue writes the current estimate for (bucket, tier).
func (s *Store) UpsertValue(bucket string, tier models.Tier, value float64, visits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO policy_values (bucket, tier, value, visits, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, tier) DO UPDATE SET
			value = excluded.value,
			visits = excluded.visits,
			updated_at = excluded.updated_at
	`, bucket, string(tier), value, visits, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert policy value: %w", err)
	}
	return nil
}

// AppendRecord appends one outcome to the learning log. Records are
// never deleted; CompactRecords aggregates old ones.
func (s *Store) AppendRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO learning_records (task_id, bucket, tier, reward, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.TaskID, r.Bucket, string(r.Tier), r.Reward, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("append learning record: %w", err)
	}
	return nil
}

// RecordCount returns the number of records for a (bucket, tier) pair.
func (s *Store) RecordCount(bucket string, tier models.Tier) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	row := s.db.QueryRow(
		"SELECT COUNT(*) FROM learning_records WHERE bucket = ? AND tier = ?",
		bucket, string(tier),
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count learning records: %w", err)
	}
	return count, nil
}

// TotalRecords returns the size of the learning record log.
func (s *Store) TotalRecords() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	row := s.db.QueryRow("SELECT COUNT(*) FROM learning_records")
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count learning records: %w", err)
	}
	return count, nil
}

// CompactRecords aggregates records older than the cutoff into a single
// row per (bucket, tier) carrying the mean reward, so the log stays
// bounded without losing the aggregate signal. Returns the number of raw
// rows folded away.
func (s *Store) CompactRecords(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-olderThan))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin compaction: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO learning_records (task_id, bucket, tier, reward, created_at)
		SELECT 'compacted:' || COUNT(*), bucket, tier, AVG(reward), MAX(created_at)
		FROM learning_records
		WHERE created_at < ? AND task_id NOT LIKE 'compacted:%'
		GROUP BY bucket, tier
	`, cutoff)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("aggregate records: %w", err)
	}

	result, err := tx.Exec(`
		DELETE FROM learning_records
		WHERE created_at < ? AND task_id NOT LIKE 'compacted:%'
	`, cutoff)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("drop compacted records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit compaction: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
