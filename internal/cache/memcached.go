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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"
)

const (
	memcachedBackend  = "memcached"
	memcachedTagIndex = "csbouncer.tag."

	// past this point memcached interprets the expiration as an
	// absolute unix timestamp instead of a relative TTL
	memcachedRelativeLimit = 60 * 60 * 24 * 30

	// tagIndexRetries bounds the CAS loop on the tag index under
	// commit contention.
	tagIndexRetries = 8
)

// Memcached stores entries through gomemcache. Memcached offers no key
// enumeration, so tag membership is tracked in an index entry per tag
// holding the member keys; ClearByTag replays that index.
type Memcached struct {
	client *memcache.Client
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]Item
}

// NewMemcached connects to the servers described by dsn, either a
// "memcached://host:port" URL or a comma-separated host:port list.
func NewMemcached(dsn string, logger *zap.Logger) (*Memcached, error) {
	servers, err := memcachedServers(dsn)
	if err != nil {
		return nil, storageErr(memcachedBackend, "open", err)
	}

	client := memcache.New(servers...)
	client.Timeout = time.Second

	return &Memcached{
		client:  client,
		logger:  logger,
		pending: make(map[string]Item),
	}, nil
}

func memcachedServers(dsn string) ([]string, error) {
	if dsn == "" {
		return nil, errors.New("memcached DSN is empty")
	}

	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, errors.New("memcached DSN has no host")
		}
		return []string{u.Host}, nil
	}

	servers := strings.Split(dsn, ",")
	for i := range servers {
		servers[i] = strings.TrimSpace(servers[i])
	}

	return servers, nil
}

func memcachedKey(key string) string {
	return encodeKey(key)
}

func memcachedExpiration(expiry time.Time) int32 {
	if expiry.IsZero() {
		return 0
	}

	seconds := int64(time.Until(expiry) / time.Second)
	if seconds <= 0 {
		// already expired; the smallest positive TTL removes it promptly
		return 1
	}
	if seconds > memcachedRelativeLimit {
		return int32(expiry.Unix())
	}

	return int32(seconds)
}

func (s *Memcached) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	if item, ok := s.pending[key]; ok {
		s.mu.Unlock()
		if item.expired(time.Now()) {
			observeLookup(memcachedBackend, false)
			return nil, false, nil
		}
		observeLookup(memcachedBackend, true)
		return item.Value, true, nil
	}
	s.mu.Unlock()

	it, err := s.client.Get(memcachedKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			observeLookup(memcachedBackend, false)
			return nil, false, nil
		}
		return nil, false, storageErr(memcachedBackend, "get", err)
	}

	observeLookup(memcachedBackend, true)
	return it.Value, true, nil
}

func (s *Memcached) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *Memcached) Put(_ context.Context, item Item) error {
	if err := checkSize(memcachedBackend, item); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[item.Key] = item
	s.mu.Unlock()

	return nil
}

func (s *Memcached) Commit(_ context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]Item)
	s.mu.Unlock()

	tagged := make(map[string][]string)
	for key, item := range batch {
		mkey := memcachedKey(key)
		if err := s.client.Set(&memcache.Item{
			Key:        mkey,
			Value:      item.Value,
			Expiration: memcachedExpiration(item.Expiry),
		}); err != nil {
			return storageErr(memcachedBackend, "commit", err)
		}
		for _, tag := range item.Tags {
			tagged[tag] = append(tagged[tag], mkey)
		}
	}

	for tag, keys := range tagged {
		if err := s.appendTagIndex(tag, keys); err != nil {
			return storageErr(memcachedBackend, "commit", err)
		}
	}

	return nil
}

// appendTagIndex merges keys into the tag's member index with
// compare-and-swap, so concurrent committers cannot drop each other's
// members.
func (s *Memcached) appendTagIndex(tag string, keys []string) error {
	indexKey := memcachedTagIndex + encodeKey(tag)

	for attempt := 0; attempt < tagIndexRetries; attempt++ {
		it, err := s.client.Get(indexKey)
		if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}

		var members []string
		if it != nil {
			if err := json.Unmarshal(it.Value, &members); err != nil {
				// corrupt index; start over rather than fail every commit
				members = nil
			}
		}

		changed := false
		for _, key := range keys {
			if !slices.Contains(members, key) {
				members = append(members, key)
				changed = true
			}
		}
		if !changed && it != nil {
			return nil
		}

		b, err := json.Marshal(members)
		if err != nil {
			return err
		}

		if it == nil {
			err = s.client.Add(&memcache.Item{Key: indexKey, Value: b})
			if errors.Is(err, memcache.ErrNotStored) {
				// another process created the index first
				continue
			}
			return err
		}

		it.Value = b
		err = s.client.CompareAndSwap(it)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return err
	}

	return errors.New("tag index contention not resolved")
}

func (s *Memcached) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	if err := s.client.Delete(memcachedKey(key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return storageErr(memcachedBackend, "delete", err)
	}

	return nil
}

func (s *Memcached) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pending = make(map[string]Item)
	s.mu.Unlock()

	if err := s.client.DeleteAll(); err != nil {
		return storageErr(memcachedBackend, "clear", err)
	}

	return nil
}

func (s *Memcached) ClearByTag(_ context.Context, tag string) error {
	s.mu.Lock()
	for key, item := range s.pending {
		for _, t := range item.Tags {
			if t == tag {
				delete(s.pending, key)
				break
			}
		}
	}
	s.mu.Unlock()

	indexKey := memcachedTagIndex + encodeKey(tag)
	it, err := s.client.Get(indexKey)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil
		}
		return storageErr(memcachedBackend, "clear_by_tag", err)
	}

	var members []string
	if err := json.Unmarshal(it.Value, &members); err != nil {
		s.logger.Warn("dropping corrupt tag index", zap.String("tag", tag), zap.Error(err))
	}

	for _, member := range members {
		if err := s.client.Delete(member); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return storageErr(memcachedBackend, "clear_by_tag", err)
		}
	}

	if err := s.client.Delete(indexKey); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return storageErr(memcachedBackend, "clear_by_tag", err)
	}

	return nil
}

func (s *Memcached) Prune(_ context.Context) error {
	return ErrPruneUnsupported
}

func (s *Memcached) Close() error {
	return s.client.Close()
}

var _ Store = (*Memcached)(nil)
