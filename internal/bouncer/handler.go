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

package bouncer

import (
	"net"
	"net/http"
	"net/netip"
	"slices"

	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/captcha"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// Handle bounces one request: it either answers w itself (ban page,
// captcha challenge, redirect) or passes the request on to next.
func (b *Bouncer) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if slices.Contains(b.cfg.ExcludedURIs, r.URL.Path) {
		next.ServeHTTP(w, r)
		return
	}

	ip, err := b.clientIP(r)
	if err != nil {
		b.bounceError(w, r, next, err)
		return
	}

	rem, err := b.resolver.Resolve(r.Context(), ip)
	if err != nil {
		b.bounceError(w, r, next, err)
		return
	}

	switch rem {
	case remediation.Ban:
		processedRequests.WithLabelValues(string(remediation.Ban)).Inc()
		b.logger.Debug("serving ban response", zap.String("ip", ip))
		b.pages.renderBan(w)
	case remediation.Captcha:
		b.handleCaptcha(w, r, next, ip)
	default:
		processedRequests.WithLabelValues(string(remediation.Bypass)).Inc()
		next.ServeHTTP(w, r)
	}
}

func (b *Bouncer) clientIP(r *http.Request) (string, error) {
	if b.cfg.ForcedTestIP != "" {
		return b.cfg.ForcedTestIP, nil
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, as some test servers hand it over
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "", err
	}

	return b.trust.ClientIP(r, peer), nil
}

func (b *Bouncer) handleCaptcha(w http.ResponseWriter, r *http.Request, next http.Handler, ip string) {
	res, err := b.captcha.Handle(r.Context(), ip, r)
	if err != nil {
		b.bounceError(w, r, next, err)
		return
	}

	switch res.Action {
	case captcha.ActionAllow:
		processedRequests.WithLabelValues(string(remediation.Bypass)).Inc()
		next.ServeHTTP(w, r)
	case captcha.ActionRedirect:
		processedRequests.WithLabelValues(string(remediation.Captcha)).Inc()
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
	default:
		processedRequests.WithLabelValues(string(remediation.Captcha)).Inc()
		b.pages.renderCaptcha(w, res.State)
	}
}

// bounceError is the pipeline boundary: a failing bouncer must not
// take the site down, so errors are logged and the request continues
// unless the operator asked to see them.
func (b *Bouncer) bounceError(w http.ResponseWriter, r *http.Request, next http.Handler, err error) {
	bounceErrors.Inc()
	b.logger.Error("bouncing failed",
		zap.String("event", "UNKNOWN_EXCEPTION_WHILE_BOUNCING"),
		zap.Error(err))

	if b.cfg.DisplayErrors {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	next.ServeHTTP(w, r)
}
