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

// Package session keeps upload results between the request that produced
// them and the page that displays them. Entries expire after a fixed TTL
// that is extended on every read.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mealmate/frontend/result"
)

const (
	DefaultTTL           = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// ErrNotFound is returned by Get when the id is unknown or has expired.
var ErrNotFound = errors.New("session not found")

// Store holds one result per session id. Each call is atomic on its own;
// concurrent writers to the same id race and the last one wins.
type Store interface {
	// Put stores payload under existingID when that id is present and
	// unexpired, or under a freshly minted id otherwise, and returns the
	// id used. The entry expires TTL from now.
	Put(ctx context.Context, existingID string, payload result.Upload) (string, error)
	// Get returns the payload and pushes the expiry to TTL from now.
	Get(ctx context.Context, id string) (result.Upload, error)
	// Sweep deletes expired entries and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}

type options struct {
	ttl time.Duration
	now func() time.Time
}

type Option func(*options)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newID() string {
	return uuid.NewString()
}

func encode(payload result.Upload) ([]byte, error) {
	data, err := json.Marshal(result.Normalize(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode session payload")
	}
	return data, nil
}

func decode(data []byte) (result.Upload, error) {
	u, err := result.Decode(data)
	if err != nil {
		return result.Upload{}, errors.Wrap(err, "failed to decode session payload")
	}
	return u, nil
}
