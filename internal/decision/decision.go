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

// Package decision maintains the cached index of active LAPI decisions:
// one ordered entry per scoped key (IP, CIDR range or country), merged
// on insert, removed by decision ID and expired lazily.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"

	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// Scope is the addressing domain of a decision.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeRange   Scope = "range"
	ScopeCountry Scope = "country"
)

// Well-known cache keys outside the decision scopes.
const (
	ConfigKey = "cacheConfig"
)

// Key returns the scoped cache key for a decision value, e.g.
// "ip_1.2.3.4" or "range_10.0.0.0/24".
func Key(scope Scope, value string) string {
	return string(scope) + "_" + value
}

// CaptchaKey returns the cache key holding the captcha state for ip.
func CaptchaKey(ip string) string {
	return "captcha_ip_" + ip
}

// GeoKey returns the cache key memoising the country for ip.
func GeoKey(ip string) string {
	return "geo_ip_" + ip
}

// Decision is the index-internal form of a LAPI decision: resolved
// remediation, absolute expiry and a stable ID used for updates and
// stream deletes.
type Decision struct {
	ID          int64
	Scope       Scope
	Value       string
	Remediation remediation.Remediation
	Expiry      time.Time
}

// Key returns the scoped cache key this decision lives under.
func (d Decision) Key() string {
	return Key(d.Scope, d.Value)
}

// UnknownScopeError is returned for LAPI decisions whose scope the
// bouncer does not handle.
type UnknownScopeError struct {
	Scope string
}

func (e *UnknownScopeError) Error() string {
	return fmt.Sprintf("unknown decision scope %q", e.Scope)
}

// InvalidDecisionError is returned for LAPI decisions missing one of
// the fields the index requires.
type InvalidDecisionError struct {
	Field string
}

func (e *InvalidDecisionError) Error() string {
	return fmt.Sprintf("decision has no %s", e.Field)
}

// FromModel converts a wire decision into its index form. Unknown
// decision types are coerced to fallback; the duration is parsed with
// the LAPI grammar and anchored at now.
func FromModel(d *models.Decision, fallback remediation.Remediation, now time.Time) (Decision, error) {
	if d == nil {
		return Decision{}, &InvalidDecisionError{Field: "value"}
	}
	if d.Scope == nil {
		return Decision{}, &InvalidDecisionError{Field: "scope"}
	}
	if d.Value == nil {
		return Decision{}, &InvalidDecisionError{Field: "value"}
	}
	if d.Type == nil {
		return Decision{}, &InvalidDecisionError{Field: "type"}
	}
	if d.Duration == nil {
		return Decision{}, &InvalidDecisionError{Field: "duration"}
	}

	var scope Scope
	switch strings.ToLower(*d.Scope) {
	case "ip":
		scope = ScopeIP
	case "range":
		scope = ScopeRange
	case "country":
		scope = ScopeCountry
	default:
		return Decision{}, &UnknownScopeError{Scope: *d.Scope}
	}

	seconds, err := remediation.ParseDuration(*d.Duration)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		ID:          d.ID,
		Scope:       scope,
		Value:       *d.Value,
		Remediation: remediation.FromType(*d.Type, fallback),
		Expiry:      now.Add(time.Duration(seconds) * time.Second),
	}, nil
}
