// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chouette-iot/chouette/pkg/util/log"
)

// SqliteEngine keeps every queue as a table with a primary key, a
// timestamp and a JSON payload. It is meant for hosts without a Redis
// server; producers then push their raw records into the same database
// file.
type SqliteEngine struct {
	db *sql.DB
}

// NewSqliteEngine opens (and if needed creates) the database file and
// makes sure all the queue tables exist.
func NewSqliteEngine(path string) (*SqliteEngine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("could not open the sqlite database %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writers itself, but a single
	// connection avoids SQLITE_BUSY on concurrent readers too.
	db.SetMaxOpenConns(1)
	for _, dataType := range []DataType{Metrics, Logs} {
		for _, kind := range []Kind{Raw, Wrapped} {
			table := tableName(dataType, kind)
			schema := fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, timestamp REAL NOT NULL, payload BLOB NOT NULL);"+
					"CREATE INDEX IF NOT EXISTS %s_ts ON %s (timestamp);",
				table, table, table)
			if _, err := db.Exec(schema); err != nil {
				db.Close()
				return nil, fmt.Errorf("could not create the queue table %s: %w", table, err)
			}
		}
	}
	return &SqliteEngine{db: db}, nil
}

func tableName(dataType DataType, kind Kind) string {
	return fmt.Sprintf("chouette_%s_%s", dataType, kind)
}

// StoreRecords implements Engine.
func (e *SqliteEngine) StoreRecords(ctx context.Context, dataType DataType, kind Kind, records []Record) bool {
	table := tableName(dataType, kind)
	type row struct {
		key       string
		timestamp float64
		payload   []byte
	}
	var rows []row
	for _, record := range records {
		payload, err := record.Payload()
		if err != nil {
			log.Warnf("Could not serialize a record for the queue %s: %v.", table, err)
			continue
		}
		rows = append(rows, row{key: uuid.NewString(), timestamp: record.Time(), payload: payload})
	}
	if len(rows) == 0 {
		return true
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		log.Errorf("Could not begin a transaction on the queue %s: %v.", table, err)
		return false
	}
	insert := fmt.Sprintf("INSERT INTO %s (key, timestamp, payload) VALUES (?, ?, ?)", table)
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, insert, r.key, r.timestamp, r.payload); err != nil {
			log.Errorf("Could not store a record to the queue %s: %v.", table, err)
			tx.Rollback() //nolint:errcheck
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		log.Errorf("Could not store %d records to the queue %s: %v.", len(rows), table, err)
		return false
	}
	return true
}

// CollectKeys implements Engine.
func (e *SqliteEngine) CollectKeys(ctx context.Context, dataType DataType, kind Kind, amount int64) []KeyTimestamp {
	table := tableName(dataType, kind)
	limit := amount
	if amount == 0 {
		// A negative LIMIT means no limit in sqlite.
		limit = -1
	}
	query := fmt.Sprintf("SELECT key, timestamp FROM %s ORDER BY timestamp, key LIMIT ?", table)
	rows, err := e.db.QueryContext(ctx, query, limit)
	if err != nil {
		log.Errorf("Could not collect keys from the queue %s: %v.", table, err)
		return nil
	}
	defer rows.Close()
	var keys []KeyTimestamp
	for rows.Next() {
		var kt KeyTimestamp
		if err := rows.Scan(&kt.Key, &kt.Timestamp); err != nil {
			log.Errorf("Could not read a key from the queue %s: %v.", table, err)
			return nil
		}
		keys = append(keys, kt)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("Could not collect keys from the queue %s: %v.", table, err)
		return nil
	}
	return keys
}

// CollectValues implements Engine. The submission order of the keys is
// preserved and missing keys are skipped.
func (e *SqliteEngine) CollectValues(ctx context.Context, dataType DataType, kind Kind, keys []string) [][]byte {
	if len(keys) == 0 {
		return nil
	}
	table := tableName(dataType, kind)
	query := fmt.Sprintf("SELECT key, payload FROM %s WHERE key IN (%s)", table, placeholders(len(keys)))
	rows, err := e.db.QueryContext(ctx, query, keyArgs(keys)...)
	if err != nil {
		log.Errorf("Could not collect values from the queue %s: %v.", table, err)
		return nil
	}
	defer rows.Close()
	payloads := map[string][]byte{}
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			log.Errorf("Could not read a value from the queue %s: %v.", table, err)
			return nil
		}
		payloads[key] = payload
	}
	if err := rows.Err(); err != nil {
		log.Errorf("Could not collect values from the queue %s: %v.", table, err)
		return nil
	}
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		if payload, ok := payloads[key]; ok {
			values = append(values, payload)
		}
	}
	return values
}

// DeleteRecords implements Engine.
func (e *SqliteEngine) DeleteRecords(ctx context.Context, dataType DataType, kind Kind, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	table := tableName(dataType, kind)
	query := fmt.Sprintf("DELETE FROM %s WHERE key IN (%s)", table, placeholders(len(keys)))
	if _, err := e.db.ExecContext(ctx, query, keyArgs(keys)...); err != nil {
		log.Errorf("Could not delete %d records from the queue %s: %v.", len(keys), table, err)
		return false
	}
	return true
}

// CleanupOutdated implements Engine.
func (e *SqliteEngine) CleanupOutdated(ctx context.Context, dataType DataType, kind Kind, ttl int64) bool {
	table := tableName(dataType, kind)
	threshold := nowFunc() - float64(ttl)
	query := fmt.Sprintf("DELETE FROM %s WHERE timestamp <= ?", table)
	result, err := e.db.ExecContext(ctx, query, threshold)
	if err != nil {
		log.Errorf("Could not clean up outdated records in the queue %s: %v.", table, err)
		return false
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		log.Infof("Cleaned up %d records older than %d seconds from the queue %s.", deleted, ttl, table)
	}
	return true
}

// QueueSize implements Engine.
func (e *SqliteEngine) QueueSize(ctx context.Context, dataType DataType, kind Kind) int64 {
	table := tableName(dataType, kind)
	var size int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := e.db.QueryRowContext(ctx, query).Scan(&size); err != nil {
		log.Errorf("Could not get the size of the queue %s: %v.", table, err)
		return -1
	}
	return size
}

// Stop implements Engine.
func (e *SqliteEngine) Stop() error {
	return e.db.Close()
}

func placeholders(amount int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", amount), ", ")
}

func keyArgs(keys []string) []interface{} {
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	return args
}
