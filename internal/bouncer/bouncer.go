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

// Package bouncer wires the decision cache, the LAPI client, the
// resolver and the captcha machine into one per-request pipeline.
package bouncer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/captcha"
	"github.com/tailsec/crowdsec-http-bouncer/internal/config"
	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
	"github.com/tailsec/crowdsec-http-bouncer/internal/forwarded"
	"github.com/tailsec/crowdsec-http-bouncer/internal/geo"
	"github.com/tailsec/crowdsec-http-bouncer/internal/lapi"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
	"github.com/tailsec/crowdsec-http-bouncer/internal/resolver"
	"github.com/tailsec/crowdsec-http-bouncer/internal/stream"
	"github.com/tailsec/crowdsec-http-bouncer/internal/version"
)

const userAgentName = "crowdsec-http-bouncer"

// Bouncer evaluates every request's source IP against the decision
// cache and answers with the resolved remediation.
type Bouncer struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      cache.Store
	ranges     *decision.RangeSet
	index      *decision.Index
	client     *lapi.Client
	geo        geo.Resolver
	resolver   *resolver.Resolver
	sync       *stream.Synchronizer
	captcha    *captcha.Machine
	trust      *forwarded.Trust
	pages      *pages
	instanceID string
}

// New wires a bouncer from its configuration. The caller owns Close.
func New(cfg *config.Config, logger *zap.Logger) (*Bouncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceID, err := generateInstanceID(time.Now())
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("instance_id", instanceID))

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	userAgent := cfg.APIUserAgent
	if userAgent == "" {
		userAgent = userAgentName + "/" + version.Current()
	}
	client, err := lapi.New(lapi.Config{
		URL:                  cfg.APIURL,
		APIKey:               cfg.APIKey,
		CertPath:             cfg.TLSCertPath,
		KeyPath:              cfg.TLSKeyPath,
		CACertPath:           cfg.TLSCACertPath,
		SkipVerify:           !cfg.TLSVerifyPeer,
		UserAgent:            userAgent,
		Timeout:              cfg.APITimeoutDuration(),
		DedicatedConnections: cfg.UseCurl,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var geoResolver geo.Resolver
	if cfg.Geolocation.Enabled {
		maxmind, err := geo.NewMaxMind(cfg.Geolocation.MaxMind.DatabasePath, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		geoResolver = maxmind
		if cfg.Geolocation.SaveResult {
			geoResolver = geo.NewCached(maxmind, store, cfg.GeolocationTTL(), logger)
		}
	}

	trust, err := forwarded.New(cfg.TrustIPForwardArray, cfg.ForcedTestForwardedIP, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	pages, err := newPages(cfg.BanTemplate, cfg.CaptchaTemplate)
	if err != nil {
		store.Close()
		return nil, err
	}

	ranges := decision.NewRangeSet(logger)
	index := decision.NewIndex(store, ranges, logger)

	b := &Bouncer{
		cfg:    cfg,
		logger: logger,
		store:  store,
		ranges: ranges,
		index:  index,
		client: client,
		geo:    geoResolver,
		resolver: resolver.New(index, ranges, client, geoResolver, resolver.Config{
			StreamMode:     cfg.StreamMode,
			CleanIPTTL:     cfg.CleanIPTTL(),
			BadIPTTL:       cfg.BadIPTTL(),
			Fallback:       cfg.Fallback(),
			MaxRemediation: cfg.EffectiveCap(),
		}, logger),
		captcha:    captcha.NewMachine(store, captcha.NewGenerator(), cfg.CaptchaTTL(), logger),
		trust:      trust,
		pages:      pages,
		instanceID: instanceID,
	}
	if cfg.StreamMode {
		b.sync = stream.New(index, store, ranges, client, cfg.Fallback(), logger)
	}

	return b, nil
}

func newStore(cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	switch cfg.CacheSystem {
	case config.CacheFS:
		return cache.NewFS(cfg.FSCachePath, logger)
	case config.CacheRedis:
		return cache.NewRedis(cfg.RedisDSN, logger)
	case config.CacheMemcached:
		return cache.NewMemcached(cfg.MemcachedDSN, logger)
	default:
		return nil, &config.Error{Field: "cache_system", Reason: fmt.Sprintf("unknown backend %q", cfg.CacheSystem)}
	}
}

// Check resolves the remediation for a single IP, the way a request
// from it would be bounced.
func (b *Bouncer) Check(ctx context.Context, ip string) (remediation.Remediation, error) {
	return b.resolver.Resolve(ctx, ip)
}

// Run starts the stream synchroniser and blocks until ctx is
// cancelled. In live mode it returns immediately.
func (b *Bouncer) Run(ctx context.Context) {
	if b.sync == nil {
		return
	}

	b.sync.Run(ctx, b.cfg.StreamInterval())
}

// Synchronizer exposes the stream synchroniser, or nil in live mode.
func (b *Bouncer) Synchronizer() *stream.Synchronizer {
	return b.sync
}

// Store exposes the cache store for maintenance commands.
func (b *Bouncer) Store() cache.Store {
	return b.store
}

// Close releases the cache backend and the geo database.
func (b *Bouncer) Close() error {
	if b.geo != nil {
		if err := b.geo.Close(); err != nil {
			b.logger.Warn("failed closing geo database", zap.Error(err))
		}
	}

	return b.store.Close()
}

// generateInstanceID derives a short process identifier, seeded from
// now so restarts are distinguishable in shared logs.
func generateInstanceID(now time.Time) (string, error) {
	source := rand.New(rand.NewSource(now.UnixNano())) //nolint:gosec // not used for secrets
	id, err := uuid.NewRandomFromReader(source)
	if err != nil {
		return "", err
	}

	return id.String()[:8], nil
}
