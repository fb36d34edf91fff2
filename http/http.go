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

// Package http adapts the bouncer pipeline to standard net/http
// middleware.
package http

import (
	"net/http"

	"github.com/tailsec/crowdsec-http-bouncer/internal/bouncer"
)

// Middleware wraps next with the bouncer: requests from banned IPs
// get the forbidden page, challenged IPs get the captcha flow, and
// everything else continues down the stack.
func Middleware(b *bouncer.Bouncer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b.Handle(w, r, next)
		})
	}
}
