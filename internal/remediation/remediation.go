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

// Package remediation defines the verdict vocabulary shared by the
// decision index, the resolver and the request pipeline, plus the
// parser for CrowdSec LAPI duration strings.
package remediation

// Remediation is a verdict as announced by the CrowdSec LAPI.
type Remediation string

const (
	// Ban denies access.
	Ban Remediation = "ban"
	// Captcha challenges the client before letting it through.
	Captcha Remediation = "captcha"
	// Bypass is the sentinel "clean" verdict.
	Bypass Remediation = "bypass"
)

var priorities = map[Remediation]int{
	Ban:     2,
	Captcha: 1,
	Bypass:  0,
}

// Priority returns the severity of r; higher values win. Unknown
// remediations sort below bypass so that they never mask a real verdict.
func (r Remediation) Priority() int {
	if p, ok := priorities[r]; ok {
		return p
	}
	return -1
}

// Known reports whether s is one of the recognized remediation kinds.
func Known(s string) bool {
	_, ok := priorities[Remediation(s)]
	return ok
}

// FromType coerces a decision type received from LAPI into a known
// remediation. Unknown kinds become the configured fallback.
func FromType(s string, fallback Remediation) Remediation {
	if Known(s) {
		return Remediation(s)
	}
	return fallback
}

// Max returns the higher-priority of a and b.
func Max(a, b Remediation) Remediation {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

// Cap lowers r to limit when r is strictly above it. It never raises a
// verdict.
func Cap(r, limit Remediation) Remediation {
	if r.Priority() > limit.Priority() {
		return limit
	}
	return r
}
