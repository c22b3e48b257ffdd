// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/mealmate/frontend/result"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mealmate_sessions (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mealmate_sessions_expires_at ON mealmate_sessions(expires_at);
`

// SQLiteStore keeps sessions in a local SQLite file so they survive a
// restart of a single replica. Expiry times are unix nanoseconds.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate sqlite database")
	}
	return &SQLiteStore{db: db, opts: newOptions(opts)}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, existingID string, payload result.Upload) (string, error) {
	data, err := encode(payload)
	if err != nil {
		return "", err
	}
	now := s.opts.now()
	expiresAt := now.Add(s.opts.ttl).UnixNano()

	if existingID != "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE mealmate_sessions SET payload = ?, expires_at = ? WHERE id = ? AND expires_at > ?`,
			data, expiresAt, existingID, now.UnixNano())
		if err != nil {
			return "", errors.Wrap(err, "failed to update session")
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return existingID, nil
		}
	}

	id := newID()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO mealmate_sessions (id, payload, expires_at) VALUES (?, ?, ?)`,
		id, data, expiresAt); err != nil {
		return "", errors.Wrap(err, "failed to insert session")
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (result.Upload, error) {
	if id == "" {
		return result.Upload{}, ErrNotFound
	}
	now := s.opts.now()

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE mealmate_sessions SET expires_at = ? WHERE id = ? AND expires_at > ? RETURNING payload`,
		now.Add(s.opts.ttl).UnixNano(), id, now.UnixNano()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return result.Upload{}, ErrNotFound
	}
	if err != nil {
		return result.Upload{}, errors.Wrap(err, "failed to read session")
	}
	return decode(data)
}

func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mealmate_sessions WHERE expires_at <= ?`, s.opts.now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep sessions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count swept sessions")
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
