// Copyright 2025 The Tailsec Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stream keeps the decision cache in sync with the LAPI
// stream endpoint: a full snapshot on warm-up, diffs on refresh.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// ErrBusy is returned when a warm-up or refresh is already running in
// this process.
var ErrBusy = errors.New("stream synchronisation already in progress")

// WarmUpError wraps any failure during the initial snapshot; the cache
// stays cold when it is returned.
type WarmUpError struct {
	Err error
}

func (e *WarmUpError) Error() string {
	return fmt.Sprintf("stream warm-up failed: %s", e.Err)
}

func (e *WarmUpError) Unwrap() error {
	return e.Err
}

// Source is the stream surface of the LAPI client.
type Source interface {
	Stream(ctx context.Context, startup bool) (*models.DecisionsStreamResponse, error)
}

// Synchronizer applies stream snapshots and diffs to the decision
// index. Synchronisation is single-flight per process.
type Synchronizer struct {
	index    *decision.Index
	store    cache.Store
	ranges   *decision.RangeSet
	source   Source
	fallback remediation.Remediation
	logger   *zap.Logger

	running atomic.Bool
}

// New returns a synchronizer over index.
func New(index *decision.Index, store cache.Store, ranges *decision.RangeSet, source Source, fallback remediation.Remediation, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		index:    index,
		store:    store,
		ranges:   ranges,
		source:   source,
		fallback: fallback,
		logger:   logger,
	}
}

// WarmUp fetches the full active decision set and commits it together
// with the warmed-up flag. It returns the number of cached decisions.
func (s *Synchronizer) WarmUp(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer s.running.Store(false)

	return s.warmUp(ctx)
}

func (s *Synchronizer) warmUp(ctx context.Context) (int, error) {
	warmed, err := s.index.WarmedUp(ctx)
	if err != nil {
		return 0, &WarmUpError{Err: err}
	}
	if warmed {
		// a stale snapshot never mixes with a fresh one
		if err := s.store.Clear(ctx); err != nil {
			return 0, &WarmUpError{Err: err}
		}
		s.ranges.Reset()
	}

	resp, err := s.source.Stream(ctx, true)
	if err != nil {
		return 0, &WarmUpError{Err: err}
	}

	added, _, err := s.index.Apply(ctx, s.convert(resp.New), nil)
	if err != nil {
		return 0, &WarmUpError{Err: err}
	}
	if err := s.index.SetWarmedUp(ctx, true); err != nil {
		return 0, &WarmUpError{Err: err}
	}
	if err := s.index.Commit(ctx); err != nil {
		return 0, &WarmUpError{Err: err}
	}

	s.logger.Info("stream warm-up complete", zap.Int("decisions", added))

	return added, nil
}

// Refresh applies the diff since the previous call; on a cold cache it
// delegates to warm-up. It returns the added and deleted counts.
func (s *Synchronizer) Refresh(ctx context.Context) (added, deleted int, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, 0, ErrBusy
	}
	defer s.running.Store(false)

	warmed, err := s.index.WarmedUp(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !warmed {
		added, err = s.warmUp(ctx)
		return added, 0, err
	}

	resp, err := s.source.Stream(ctx, false)
	if err != nil {
		return 0, 0, err
	}

	added, deleted, err = s.index.Apply(ctx, s.convert(resp.New), s.convert(resp.Deleted))
	if err != nil {
		return added, deleted, err
	}
	if err := s.index.Commit(ctx); err != nil {
		return added, deleted, err
	}

	s.logger.Debug("stream refresh complete", zap.Int("added", added), zap.Int("deleted", deleted))

	return added, deleted, nil
}

// Run warms up, then refreshes every interval until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.WarmUp(ctx); err != nil {
		s.logger.Error("stream warm-up failed, will retry on next tick", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrBusy) {
				s.logger.Error("stream refresh failed", zap.Error(err))
			}
		}
	}
}

func (s *Synchronizer) convert(in []*models.Decision) []decision.Decision {
	now := time.Now()
	out := make([]decision.Decision, 0, len(in))
	for _, m := range in {
		d, err := decision.FromModel(m, s.fallback, now)
		if err != nil {
			s.logger.Warn("skipping unusable stream decision", zap.Int64("id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, d)
	}

	return out
}
