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

	"github.com/sirupsen/logrus"
)

// Sweeper periodically removes expired sessions. Reads already ignore
// expired entries, so sweeping only reclaims space.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      logrus.FieldLogger

	once sync.Once
	done chan struct{}
}

func NewSweeper(store Store, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval, log: log, done: make(chan struct{})}
}

// sweeping holds the stores that have a running sweep loop, so that a
// repeated initialization never runs two loops over one store.
var sweeping = struct {
	sync.Mutex
	stores map[Store]struct{}
}{stores: map[Store]struct{}{}}

func claim(store Store) bool {
	sweeping.Lock()
	defer sweeping.Unlock()
	if _, ok := sweeping.stores[store]; ok {
		return false
	}
	sweeping.stores[store] = struct{}{}
	return true
}

func release(store Store) {
	sweeping.Lock()
	delete(sweeping.stores, store)
	sweeping.Unlock()
}

// Start launches the sweep loop and reports whether this call started it.
// Only the first call has any effect, and it has none while another
// sweeper is already running over the same store. The loop ends when ctx
// is done.
func (s *Sweeper) Start(ctx context.Context) bool {
	started := false
	s.once.Do(func() {
		if !claim(s.store) {
			s.log.Debug("session store already has a sweeper")
			return
		}
		started = true
		go s.run(ctx)
	})
	return started
}

// Done is closed once a started loop has exited.
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	defer release(s.store)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval.String()).Debug("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("session sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.store.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Warn("session sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("removed", n).Debug("expired sessions swept")
			}
		}
	}
}
