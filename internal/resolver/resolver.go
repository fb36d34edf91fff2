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

// Package resolver turns a source IP into a remediation by walking the
// decision index scopes (ip, range, country) and, in live mode,
// querying the LAPI on a miss.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
	"github.com/tailsec/crowdsec-http-bouncer/internal/geo"
	"github.com/tailsec/crowdsec-http-bouncer/internal/lapi"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// InputError is returned for strings that do not parse as an IP.
type InputError struct {
	Value string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("not an IP address: %q", e.Value)
}

// ErrNotWarmedUp is returned in stream mode before the first
// successful snapshot has been committed.
var ErrNotWarmedUp = errors.New("decision cache not warmed up yet")

// DecisionSource is the live-query surface of the LAPI client.
type DecisionSource interface {
	DecisionsForIP(ctx context.Context, ip string) ([]*models.Decision, error)
	DecisionsForCountry(ctx context.Context, code string) ([]*models.Decision, error)
}

// Config tunes resolution behaviour.
type Config struct {
	// StreamMode makes the cache authoritative: misses are bypass and
	// the LAPI is never queried during a request.
	StreamMode bool

	// CleanIPTTL is how long an empty live answer is remembered as a
	// bypass sentinel.
	CleanIPTTL time.Duration

	// BadIPTTL caps how long a live non-bypass answer is cached, so a
	// lifted decision stops biting within that window. Zero means no
	// cap.
	BadIPTTL time.Duration

	// Fallback is the remediation applied to unknown decision types.
	Fallback remediation.Remediation

	// MaxRemediation caps every returned remediation; capping only
	// lowers, never raises.
	MaxRemediation remediation.Remediation
}

// Resolver resolves remediations for IPs. Safe for concurrent use.
type Resolver struct {
	index  *decision.Index
	ranges *decision.RangeSet
	source DecisionSource
	geo    geo.Resolver
	cfg    Config
	logger *zap.Logger
}

// New returns a resolver. geo may be nil when geolocation is disabled;
// source may be nil in stream mode.
func New(index *decision.Index, ranges *decision.RangeSet, source DecisionSource, geoResolver geo.Resolver, cfg Config, logger *zap.Logger) *Resolver {
	return &Resolver{
		index:  index,
		ranges: ranges,
		source: source,
		geo:    geoResolver,
		cfg:    cfg,
		logger: logger,
	}
}

// ParseIP validates s as an IPv4 or IPv6 address, tolerating and
// stripping a zone identifier.
func ParseIP(s string) (net.IP, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, &InputError{Value: s}
	}
	addr = addr.WithZone("")

	return net.IP(addr.AsSlice()), nil
}

// Resolve returns the capped remediation for ip.
func (r *Resolver) Resolve(ctx context.Context, ipString string) (remediation.Remediation, error) {
	rem, err := r.resolve(ctx, ipString)
	if err != nil {
		return rem, err
	}

	return remediation.Cap(rem, r.cfg.MaxRemediation), nil
}

func (r *Resolver) resolve(ctx context.Context, ipString string) (remediation.Remediation, error) {
	ip, err := ParseIP(ipString)
	if err != nil {
		return remediation.Bypass, err
	}

	if r.cfg.StreamMode {
		warmed, err := r.index.WarmedUp(ctx)
		if err != nil {
			return remediation.Bypass, err
		}
		if !warmed {
			return remediation.Bypass, ErrNotWarmedUp
		}
	}

	best := remediation.Bypass

	// ip scope
	ipEntry, err := r.entryTop(ctx, decision.Key(decision.ScopeIP, ip.String()))
	if err != nil {
		return remediation.Bypass, err
	}
	if ipEntry != nil {
		best = remediation.Max(best, *ipEntry)
	}

	// range scope
	for _, cidr := range r.ranges.Containing(ip) {
		top, err := r.entryTop(ctx, decision.Key(decision.ScopeRange, cidr))
		if err != nil {
			return remediation.Bypass, err
		}
		if top != nil {
			best = remediation.Max(best, *top)
		}
	}

	// country scope
	country := ""
	countryMiss := false
	if r.geo != nil {
		country, err = r.geo.Country(ctx, ip)
		if err != nil {
			r.logger.Warn("geolocation failed", zap.String("ip", ip.String()), zap.Error(err))
		}
		if country != "" {
			top, err := r.entryTop(ctx, decision.Key(decision.ScopeCountry, country))
			if err != nil {
				return remediation.Bypass, err
			}
			if top != nil {
				best = remediation.Max(best, *top)
			} else {
				countryMiss = true
			}
		}
	}

	if best != remediation.Bypass {
		return best, nil
	}
	if r.cfg.StreamMode || r.source == nil {
		// misses are clean in stream mode
		return remediation.Bypass, nil
	}

	if ipEntry == nil {
		rem, err := r.liveQueryIP(ctx, ip)
		if err != nil {
			return remediation.Bypass, err
		}
		best = remediation.Max(best, rem)
	}
	if countryMiss {
		rem, err := r.liveQueryCountry(ctx, country)
		if err != nil {
			return remediation.Bypass, err
		}
		best = remediation.Max(best, rem)
	}

	if err := r.index.Commit(ctx); err != nil {
		return remediation.Bypass, err
	}

	return best, nil
}

func (r *Resolver) entryTop(ctx context.Context, key string) (*remediation.Remediation, error) {
	entry, err := r.index.Entry(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	top := entry.Top()

	return &top, nil
}

// liveQueryIP asks the LAPI for decisions on a single IP and caches
// the answer, materialising a short-lived bypass sentinel when the IP
// is clean. An LAPI timeout is treated as a clean answer.
func (r *Resolver) liveQueryIP(ctx context.Context, ip net.IP) (remediation.Remediation, error) {
	decisions, err := r.source.DecisionsForIP(ctx, ip.String())
	if err != nil {
		if !errors.Is(err, lapi.ErrTimeout) {
			return remediation.Bypass, err
		}
		r.logger.Warn("live query timed out",
			zap.String("event", "LAPI_TIMEOUT"),
			zap.String("ip", ip.String()))
		decisions = nil
	}

	best, upserted, err := r.upsertAll(ctx, decisions)
	if err != nil {
		return remediation.Bypass, err
	}
	if upserted == 0 {
		sentinel := decision.Decision{
			ID:          0,
			Scope:       decision.ScopeIP,
			Value:       ip.String(),
			Remediation: remediation.Bypass,
			Expiry:      time.Now().Add(r.cfg.CleanIPTTL),
		}
		if _, err := r.index.Upsert(ctx, sentinel); err != nil {
			return remediation.Bypass, err
		}
	}

	return best, nil
}

// liveQueryCountry mirrors liveQueryIP for the country scope: a clean
// answer is remembered as a bypass sentinel under the country key so
// the next request from that country is served from cache.
func (r *Resolver) liveQueryCountry(ctx context.Context, country string) (remediation.Remediation, error) {
	decisions, err := r.source.DecisionsForCountry(ctx, country)
	if err != nil {
		if !errors.Is(err, lapi.ErrTimeout) {
			return remediation.Bypass, err
		}
		r.logger.Warn("live query timed out",
			zap.String("event", "LAPI_TIMEOUT"),
			zap.String("country", country))
		decisions = nil
	}

	best, upserted, err := r.upsertAll(ctx, decisions)
	if err != nil {
		return remediation.Bypass, err
	}
	if upserted == 0 {
		sentinel := decision.Decision{
			ID:          0,
			Scope:       decision.ScopeCountry,
			Value:       country,
			Remediation: remediation.Bypass,
			Expiry:      time.Now().Add(r.cfg.CleanIPTTL),
		}
		if _, err := r.index.Upsert(ctx, sentinel); err != nil {
			return remediation.Bypass, err
		}
	}

	return best, nil
}

func (r *Resolver) upsertAll(ctx context.Context, decisions []*models.Decision) (remediation.Remediation, int, error) {
	best := remediation.Bypass
	upserted := 0
	now := time.Now()

	for _, m := range decisions {
		d, err := decision.FromModel(m, r.cfg.Fallback, now)
		if err != nil {
			r.logger.Warn("skipping unusable decision", zap.Int64("id", m.ID), zap.Error(err))
			continue
		}
		if r.cfg.BadIPTTL > 0 && d.Remediation != remediation.Bypass {
			if capped := now.Add(r.cfg.BadIPTTL); d.Expiry.After(capped) {
				d.Expiry = capped
			}
		}
		top, err := r.index.Upsert(ctx, d)
		if err != nil {
			return best, upserted, err
		}
		best = remediation.Max(best, top)
		upserted++
	}

	return best, upserted, nil
}
