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

package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// Index maps scoped keys to their ordered decision entries in the
// cache store. Writes are deferred; callers flush them with Commit.
type Index struct {
	store  cache.Store
	ranges *RangeSet
	logger *zap.Logger
}

// NewIndex returns an index over store. The range set may be shared
// with the resolver so that range upserts become findable immediately.
func NewIndex(store cache.Store, ranges *RangeSet, logger *zap.Logger) *Index {
	return &Index{
		store:  store,
		ranges: ranges,
		logger: logger,
	}
}

// Entry loads the entry for a scoped key, dropping members that have
// expired. A cache miss yields (nil, nil).
func (ix *Index) Entry(ctx context.Context, key string) (*Entry, error) {
	b, ok, err := ix.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	entry, err := decodeEntry(b)
	if err != nil {
		return nil, err
	}
	entry.dropExpired(time.Now())

	return entry, nil
}

// Upsert merges d into its entry and returns the highest-priority
// remediation of the entry afterwards. Re-inserting the same decision
// ID replaces the previous tuple.
func (ix *Index) Upsert(ctx context.Context, d Decision) (remediation.Remediation, error) {
	entry, err := ix.Entry(ctx, d.Key())
	if err != nil {
		return remediation.Bypass, err
	}
	if entry == nil {
		entry = &Entry{}
	}

	entry.remove(d.ID)

	if d.Remediation == remediation.Bypass && len(entry.Items) > 0 {
		// a bypass sentinel never joins real decisions
		return entry.Top(), nil
	}
	if d.Remediation != remediation.Bypass {
		kept := entry.Items[:0]
		for _, it := range entry.Items {
			if it.Remediation != remediation.Bypass {
				kept = append(kept, it)
			}
		}
		entry.Items = kept
	}

	entry.Items = append(entry.Items, Tuple{
		Remediation: d.Remediation,
		Expiry:      d.Expiry.Unix(),
		ID:          d.ID,
	})
	entry.sort()

	if err := ix.save(ctx, d.Key(), entry); err != nil {
		return remediation.Bypass, err
	}

	if d.Scope == ScopeRange && ix.ranges != nil {
		ix.ranges.Add(d.Value)
	}

	return entry.Top(), nil
}

// Remove deletes the tuple with the given decision ID from the entry
// for (scope, value). It returns false when the decision was not
// present; stale stream deletes make that a normal outcome.
func (ix *Index) Remove(ctx context.Context, scope Scope, value string, id int64) (bool, error) {
	key := Key(scope, value)
	entry, err := ix.Entry(ctx, key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	if !entry.remove(id) {
		return false, nil
	}

	if len(entry.Items) == 0 {
		if err := ix.store.Delete(ctx, key); err != nil {
			return false, err
		}
		if scope == ScopeRange && ix.ranges != nil {
			ix.ranges.Remove(value)
		}
		return true, nil
	}

	entry.sort()
	if err := ix.save(ctx, key, entry); err != nil {
		return false, err
	}

	return true, nil
}

// Apply processes a stream diff: deletes first, then adds. Per-decision
// failures other than storage errors are logged and skipped, the way
// the stream endpoint expects consumers to behave.
func (ix *Index) Apply(ctx context.Context, adds, deletes []Decision) (added, deleted int, err error) {
	for _, d := range deletes {
		removed, err := ix.Remove(ctx, d.Scope, d.Value, d.ID)
		if err != nil {
			return added, deleted, fmt.Errorf("removing decision %d: %w", d.ID, err)
		}
		if removed {
			deleted++
		}
	}

	for _, d := range adds {
		if _, err := ix.Upsert(ctx, d); err != nil {
			return added, deleted, fmt.Errorf("upserting decision %d: %w", d.ID, err)
		}
		added++
	}

	return added, deleted, nil
}

// Commit flushes all deferred entry writes.
func (ix *Index) Commit(ctx context.Context) error {
	return ix.store.Commit(ctx)
}

func (ix *Index) save(ctx context.Context, key string, entry *Entry) error {
	b, err := entry.encode()
	if err != nil {
		return err
	}

	return ix.store.Put(ctx, cache.Item{
		Key:    key,
		Value:  b,
		Expiry: entry.expiry(),
		Tags:   []string{cache.TagRemediation},
	})
}

type warmUpFlag struct {
	WarmedUp bool `json:"warmed_up"`
}

// WarmedUp reports whether the cache has received at least one
// successful stream snapshot.
func (ix *Index) WarmedUp(ctx context.Context) (bool, error) {
	b, ok, err := ix.store.Get(ctx, ConfigKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var flag warmUpFlag
	if err := json.Unmarshal(b, &flag); err != nil {
		return false, &CacheVersionError{Err: err}
	}

	return flag.WarmedUp, nil
}

// SetWarmedUp defers a write of the warm-up flag; the caller commits it
// together with the snapshot it belongs to.
func (ix *Index) SetWarmedUp(ctx context.Context, warmed bool) error {
	b, err := json.Marshal(warmUpFlag{WarmedUp: warmed})
	if err != nil {
		return err
	}

	return ix.store.Put(ctx, cache.Item{Key: ConfigKey, Value: b})
}
