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
	"net"
	"time"

	"cloud.google.com/go/alloydbconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mealmate/frontend/result"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mealmate_sessions (
	id         TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mealmate_sessions_expires_at ON mealmate_sessions (expires_at);
`

type PostgresConfig struct {
	DSN string
	// AlloyDBInstanceURI, when set, dials through the AlloyDB connector
	// instead of the host in DSN, e.g.
	// projects/p/locations/r/clusters/c/instances/i.
	AlloyDBInstanceURI string
}

// PostgresStore shares sessions between replicas through a Postgres (or
// AlloyDB) table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	dialer *alloydbconn.Dialer
	opts   options
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig, log logrus.FieldLogger, opts ...Option) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres session store requires DATABASE_URL")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DATABASE_URL")
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour

	s := &PostgresStore{opts: newOptions(opts)}
	if cfg.AlloyDBInstanceURI != "" {
		d, err := alloydbconn.NewDialer(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create alloydb dialer")
		}
		s.dialer = d
		poolCfg.ConnConfig.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.Dial(ctx, cfg.AlloyDBInstanceURI)
		}
		log.WithField("instance", cfg.AlloyDBInstanceURI).Info("dialing session store through alloydb connector")
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		s.closeDialer()
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	s.pool = pool

	if err := pool.Ping(ctx); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "postgres connection failed")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "failed to initialize session schema")
	}
	log.Info("postgres session store ready")
	return s, nil
}

func (s *PostgresStore) Put(ctx context.Context, existingID string, payload result.Upload) (string, error) {
	data, err := encode(payload)
	if err != nil {
		return "", err
	}
	now := s.opts.now()
	expiresAt := now.Add(s.opts.ttl)

	if existingID != "" {
		tag, err := s.pool.Exec(ctx,
			`UPDATE mealmate_sessions SET payload = $2, expires_at = $3 WHERE id = $1 AND expires_at > $4`,
			existingID, data, expiresAt, now)
		if err != nil {
			return "", errors.Wrap(err, "failed to update session")
		}
		if tag.RowsAffected() == 1 {
			return existingID, nil
		}
	}

	id := newID()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO mealmate_sessions (id, payload, expires_at) VALUES ($1, $2, $3)`,
		id, data, expiresAt); err != nil {
		return "", errors.Wrap(err, "failed to insert session")
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (result.Upload, error) {
	if id == "" {
		return result.Upload{}, ErrNotFound
	}
	now := s.opts.now()

	var data []byte
	err := s.pool.QueryRow(ctx,
		`UPDATE mealmate_sessions SET expires_at = $2 WHERE id = $1 AND expires_at > $3 RETURNING payload`,
		id, now.Add(s.opts.ttl), now).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return result.Upload{}, ErrNotFound
	}
	if err != nil {
		return result.Upload{}, errors.Wrap(err, "failed to read session")
	}
	return decode(data)
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mealmate_sessions WHERE expires_at <= $1`, s.opts.now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep sessions")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return s.closeDialer()
}

func (s *PostgresStore) closeDialer() error {
	if s.dialer == nil {
		return nil
	}
	return s.dialer.Close()
}
