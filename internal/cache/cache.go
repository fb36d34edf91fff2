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

// Package cache provides the tag-aware key/value store backing the
// bouncer: decision entries, captcha state, geolocation memos and the
// stream warm-up flag all live here. Three backends share the contract:
// a directory of sharded files, Memcached and Redis. Writes are
// deferred until Commit so that a batch of decision updates becomes
// visible to other processes at once.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Tags used by the bouncer's cache entries.
const (
	TagRemediation = "remediation"
	TagCaptcha     = "captcha"
	TagGeolocation = "geolocation"
)

// MaxValueSize is the largest value any backend accepts. It mirrors the
// Memcached default item ceiling; the other backends enforce it too so
// that switching backends cannot silently change behavior.
const MaxValueSize = 1 << 20

// Item is a single cache entry with its expiry and tags.
type Item struct {
	Key    string
	Value  []byte
	Expiry time.Time
	Tags   []string
}

func (i Item) expired(now time.Time) bool {
	return !i.Expiry.IsZero() && !i.Expiry.After(now)
}

// Store is the backend-independent cache contract. Put defers the write
// until Commit; Get observes the caller's own pending writes, but other
// processes only see committed state. Delete and Clear take effect
// immediately.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, item Item) error
	Commit(ctx context.Context) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	ClearByTag(ctx context.Context, tag string) error
	Prune(ctx context.Context) error
	Close() error
}

// ErrPruneUnsupported is returned by backends that expire entries
// themselves; only the file backend needs explicit pruning.
var ErrPruneUnsupported = errors.New("cache: backend expires entries itself")

// StorageError wraps backend failures so that callers never have to
// know which driver is in use.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %s failed: %s", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(backend, op string, err error) error {
	return &StorageError{Backend: backend, Op: op, Err: err}
}

// encodeKey maps an arbitrary scoped key (IP, CIDR, country code) onto
// the legal key alphabet of every backend.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// hashKey produces a fixed-length file name for the file backend.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func checkSize(backend string, item Item) error {
	if len(item.Value) > MaxValueSize {
		return storageErr(backend, "put", fmt.Errorf("value for key %q exceeds %d bytes", item.Key, MaxValueSize))
	}
	return nil
}
