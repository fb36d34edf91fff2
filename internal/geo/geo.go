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

// Package geo resolves an IP to its ISO-3166 country code using a
// MaxMind database, optionally memoising results in the cache store.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
)

// Resolver answers country lookups. Implementations must be safe for
// concurrent use.
type Resolver interface {
	Country(ctx context.Context, ip net.IP) (string, error)
	Close() error
}

type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MaxMind resolves countries from a GeoLite2/GeoIP2 database file.
type MaxMind struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
	logger *zap.Logger
}

// NewMaxMind opens the database at path.
func NewMaxMind(path string, logger *zap.Logger) (*MaxMind, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening maxmind database %q: %w", path, err)
	}

	return &MaxMind{reader: reader, logger: logger}, nil
}

// Country returns the ISO-3166 code for ip, or "" when the database
// has no country for it.
func (m *MaxMind) Country(_ context.Context, ip net.IP) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rec record
	if err := m.reader.Lookup(ip, &rec); err != nil {
		return "", fmt.Errorf("looking up %s: %w", ip, err)
	}

	return rec.Country.ISOCode, nil
}

func (m *MaxMind) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reader.Close()
}

type geoEntry struct {
	Country string `json:"country"`
}

// Cached memoises another resolver's answers in the cache store under
// the geolocation tag. Negative answers are cached too.
type Cached struct {
	next   Resolver
	store  cache.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps next with a cache layer holding results for ttl.
func NewCached(next Resolver, store cache.Store, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *Cached) Country(ctx context.Context, ip net.IP) (string, error) {
	key := decision.GeoKey(ip.String())

	if b, ok, err := c.store.Get(ctx, key); err != nil {
		// degrade to a direct lookup; the cache being down must not
		// break geolocation
		c.logger.Warn("geo cache read failed", zap.String("ip", ip.String()), zap.Error(err))
	} else if ok {
		var entry geoEntry
		if err := json.Unmarshal(b, &entry); err == nil {
			return entry.Country, nil
		}
	}

	country, err := c.next.Country(ctx, ip)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(geoEntry{Country: country})
	if err != nil {
		return country, nil
	}
	item := cache.Item{
		Key:    key,
		Value:  b,
		Expiry: time.Now().Add(c.ttl),
		Tags:   []string{cache.TagGeolocation},
	}
	if err := c.store.Put(ctx, item); err != nil {
		c.logger.Warn("geo cache write failed", zap.String("ip", ip.String()), zap.Error(err))
	} else if err := c.store.Commit(ctx); err != nil {
		c.logger.Warn("geo cache commit failed", zap.String("ip", ip.String()), zap.Error(err))
	}

	return country, nil
}

func (c *Cached) Close() error {
	return c.next.Close()
}
