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
	"sync"
	"time"

	"github.com/mealmate/frontend/result"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore keeps sessions in a process-wide map. It is lost on restart
// and not shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	opts    options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), opts: newOptions(opts)}
}

func (s *MemoryStore) Put(_ context.Context, existingID string, payload result.Upload) (string, error) {
	data, err := encode(payload)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	id := existingID
	if e, ok := s.entries[id]; id == "" || !ok || !now.Before(e.expiresAt) {
		id = newID()
	}
	s.entries[id] = entry{payload: data, expiresAt: now.Add(s.opts.ttl)}
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (result.Upload, error) {
	s.mu.Lock()
	now := s.opts.now()
	e, ok := s.entries[id]
	if !ok || !now.Before(e.expiresAt) {
		s.mu.Unlock()
		return result.Upload{}, ErrNotFound
	}
	e.expiresAt = now.Add(s.opts.ttl)
	s.entries[id] = e
	s.mu.Unlock()

	return decode(e.payload)
}

func (s *MemoryStore) Sweep(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	removed := 0
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
