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

// Package forwarded decides which source IP a request is attributed
// to: the immediate peer, or the X-Forwarded-For value when the peer
// is a trusted proxy.
package forwarded

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// DisabledValue for the forced forwarded IP turns X-Forwarded-For
// handling off entirely.
const DisabledValue = "disabled"

type ipRange struct {
	lo netip.Addr
	hi netip.Addr
}

// Trust resolves the effective client IP for requests.
type Trust struct {
	ranges   []ipRange
	forced   string
	disabled bool
	logger   *zap.Logger
}

// New builds a Trust from the configured proxy list. Each element is a
// single IP, a CIDR, or a "lo-hi" range. forced substitutes the
// X-Forwarded-For value for testing; the value "disabled" turns header
// handling off.
func New(trusted []string, forced string, logger *zap.Logger) (*Trust, error) {
	t := &Trust{
		forced:   forced,
		disabled: forced == DisabledValue,
		logger:   logger,
	}

	for _, spec := range trusted {
		r, err := parseRange(spec)
		if err != nil {
			return nil, err
		}
		t.ranges = append(t.ranges, r)
	}

	return t, nil
}

func parseRange(spec string) (ipRange, error) {
	spec = strings.TrimSpace(spec)

	if prefix, err := netip.ParsePrefix(spec); err == nil {
		prefix = prefix.Masked()
		return ipRange{lo: normalize(prefix.Addr()), hi: normalize(lastAddr(prefix))}, nil
	}

	if lo, hi, ok := strings.Cut(spec, "-"); ok {
		loAddr, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return ipRange{}, fmt.Errorf("invalid trusted proxy range %q: %w", spec, err)
		}
		hiAddr, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return ipRange{}, fmt.Errorf("invalid trusted proxy range %q: %w", spec, err)
		}
		return ipRange{lo: normalize(loAddr), hi: normalize(hiAddr)}, nil
	}

	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return ipRange{}, fmt.Errorf("invalid trusted proxy %q: %w", spec, err)
	}
	addr = normalize(addr)

	return ipRange{lo: addr, hi: addr}, nil
}

// normalize maps every address into the 16-byte form so that IPv4 and
// IPv4-in-IPv6 spellings compare equal.
func normalize(addr netip.Addr) netip.Addr {
	return netip.AddrFrom16(addr.As16())
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	b := prefix.Addr().As16()
	bits := prefix.Bits()
	if prefix.Addr().Is4() {
		bits += 96
	}
	for i := bits; i < 128; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}

	return netip.AddrFrom16(b)
}

// Trusted reports whether peer is one of the configured proxies.
func (t *Trust) Trusted(peer netip.Addr) bool {
	p := normalize(peer)
	for _, r := range t.ranges {
		if r.lo.Compare(p) <= 0 && p.Compare(r.hi) <= 0 {
			return true
		}
	}

	return false
}

// ClientIP returns the IP a request is bounced on: the rightmost
// X-Forwarded-For element when the peer is trusted, the peer itself
// otherwise.
func (t *Trust) ClientIP(r *http.Request, peer netip.Addr) string {
	if t.disabled {
		return peer.WithZone("").String()
	}

	candidate := t.forced
	if candidate == "" {
		candidate = lastForwarded(r.Header.Get("X-Forwarded-For"))
	}
	if candidate == "" {
		return peer.WithZone("").String()
	}

	if !t.Trusted(peer) {
		t.logger.Warn("ignoring X-Forwarded-For from untrusted peer",
			zap.String("event", "NON_AUTHORIZED_X_FORWARDED_FOR_USAGE"),
			zap.String("peer", peer.String()),
			zap.String("forwarded", candidate))

		return peer.WithZone("").String()
	}

	return candidate
}

// lastForwarded extracts the rightmost non-empty element of an
// X-Forwarded-For header value.
func lastForwarded(header string) string {
	if header == "" {
		return ""
	}

	parts := strings.Split(header, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		if part := strings.TrimSpace(parts[i]); part != "" {
			return part
		}
	}

	return ""
}
