// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by SQLite. Deliveries survive
// process restarts; the manager re-attempts persisted non-terminal
// deliveries when asked.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the delivery database at path.
// The special value ":memory:" creates an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode allows concurrent readers alongside the writer.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: gets its own database; pin to one.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			payload BLOB,
			headers TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			attempts TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at INTEGER,
			retry_config TEXT NOT NULL,
			timeout_ns INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_updated_at ON deliveries(updated_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Put inserts a new delivery.
func (s *SQLiteStore) Put(d *Delivery) error {
	headers, attempts, retryCfg, err := marshalDeliveryColumns(d)
	if err != nil {
		return err
	}

	var nextRetry *int64
	if d.NextRetryAt != nil {
		n := d.NextRetryAt.UnixNano()
		nextRetry = &n
	}

	_, err = s.db.Exec(`
		INSERT INTO deliveries (id, target, payload, headers, status, created_at,
			updated_at, attempts, retry_count, next_retry_at, retry_config, timeout_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Target, d.Payload, headers, string(d.Status),
		d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano(), attempts,
		d.RetryCount, nextRetry, retryCfg, int64(d.Timeout))
	if err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

// Get returns the delivery by id, or ErrNotFound.
func (s *SQLiteStore) Get(id string) (*Delivery, error) {
	row := s.db.QueryRow(`
		SELECT id, target, payload, headers, status, created_at, updated_at,
			attempts, retry_count, next_retry_at, retry_config, timeout_ns
		FROM deliveries WHERE id = ?
	`, id)

	d, err := scanDelivery(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// Update replaces an existing delivery.
func (s *SQLiteStore) Update(d *Delivery) error {
	headers, attempts, retryCfg, err := marshalDeliveryColumns(d)
	if err != nil {
		return err
	}

	var nextRetry *int64
	if d.NextRetryAt != nil {
		n := d.NextRetryAt.UnixNano()
		nextRetry = &n
	}

	res, err := s.db.Exec(`
		UPDATE deliveries SET target = ?, payload = ?, headers = ?, status = ?,
			updated_at = ?, attempts = ?, retry_count = ?, next_retry_at = ?,
			retry_config = ?, timeout_ns = ?
		WHERE id = ?
	`, d.Target, d.Payload, headers, string(d.Status), d.UpdatedAt.UnixNano(),
		attempts, d.RetryCount, nextRetry, retryCfg, int64(d.Timeout), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns deliveries in the given status, oldest first.
func (s *SQLiteStore) ListByStatus(status Status) ([]*Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, target, payload, headers, status, created_at, updated_at,
			attempts, retry_count, next_retry_at, retry_config, timeout_ns
		FROM deliveries WHERE status = ? ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Counts returns delivery counts by status.
func (s *SQLiteStore) Counts() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Sweep removes terminal deliveries updated before cutoff, then trims the
// oldest terminal deliveries while the total exceeds maxStored.
func (s *SQLiteStore) Sweep(cutoff time.Time, maxStored int) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM deliveries
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(StatusDelivered), string(StatusDeadLetter), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep deliveries: %w", err)
	}
	removed64, _ := res.RowsAffected()
	removed := int(removed64)

	if maxStored > 0 {
		var total int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&total); err != nil {
			return removed, fmt.Errorf("failed to count deliveries: %w", err)
		}
		if total > maxStored {
			res, err := s.db.Exec(`
				DELETE FROM deliveries WHERE id IN (
					SELECT id FROM deliveries
					WHERE status IN (?, ?)
					ORDER BY updated_at ASC
					LIMIT ?
				)
			`, string(StatusDelivered), string(StatusDeadLetter), total-maxStored)
			if err != nil {
				return removed, fmt.Errorf("failed to trim deliveries: %w", err)
			}
			trimmed, _ := res.RowsAffected()
			removed += int(trimmed)
		}
	}

	return removed, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalDeliveryColumns(d *Delivery) (headers, attempts, retryCfg []byte, err error) {
	if d.Headers != nil {
		headers, err = json.Marshal(d.Headers)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal headers: %w", err)
		}
	}
	attempts, err = json.Marshal(d.Attempts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal attempts: %w", err)
	}
	retryCfg, err = json.Marshal(d.Retry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal retry config: %w", err)
	}
	return headers, attempts, retryCfg, nil
}

func scanDelivery(scan func(...any) error) (*Delivery, error) {
	var d Delivery
	var status string
	var headers, attempts, retryCfg []byte
	var createdAt, updatedAt, timeoutNS int64
	var nextRetry *int64

	err := scan(&d.ID, &d.Target, &d.Payload, &headers, &status,
		&createdAt, &updatedAt, &attempts, &d.RetryCount, &nextRetry,
		&retryCfg, &timeoutNS)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}

	d.Status = Status(status)
	d.CreatedAt = time.Unix(0, createdAt)
	d.UpdatedAt = time.Unix(0, updatedAt)
	d.Timeout = time.Duration(timeoutNS)
	if nextRetry != nil {
		t := time.Unix(0, *nextRetry)
		d.NextRetryAt = &t
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &d.Attempts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attempts: %w", err)
		}
	}
	if len(retryCfg) > 0 {
		if err := json.Unmarshal(retryCfg, &d.Retry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry config: %w", err)
		}
	}
	return &d, nil
}
