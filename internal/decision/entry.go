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

package decision

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

// entryVersion is bumped whenever the persisted entry layout changes.
// A mismatch is rejected, never reinterpreted.
const entryVersion = 1

// Tuple is one active decision inside an entry.
type Tuple struct {
	Remediation remediation.Remediation `json:"type"`
	Expiry      int64                   `json:"exp"`
	ID          int64                   `json:"id"`
}

// Entry is the ordered multiset of decisions for one scoped key,
// sorted by descending remediation priority.
type Entry struct {
	Items []Tuple
}

type entryEnvelope struct {
	Version int     `json:"v"`
	Items   []Tuple `json:"items"`
}

// CacheVersionError signals that a persisted entry was produced by an
// incompatible version of the bouncer.
type CacheVersionError struct {
	Version int
	Err     error
}

func (e *CacheVersionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("incompatible cache entry: %s", e.Err)
	}
	return fmt.Sprintf("incompatible cache entry version %d (want %d)", e.Version, entryVersion)
}

func (e *CacheVersionError) Unwrap() error {
	return e.Err
}

func decodeEntry(b []byte) (*Entry, error) {
	var env entryEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &CacheVersionError{Err: err}
	}
	if env.Version != entryVersion {
		return nil, &CacheVersionError{Version: env.Version}
	}

	return &Entry{Items: env.Items}, nil
}

func (e *Entry) encode() ([]byte, error) {
	return json.Marshal(entryEnvelope{Version: entryVersion, Items: e.Items})
}

// sort orders the items by descending priority; equal priorities are
// broken by later expiry, then by larger decision ID.
func (e *Entry) sort() {
	sort.SliceStable(e.Items, func(i, j int) bool {
		a, b := e.Items[i], e.Items[j]
		if pa, pb := a.Remediation.Priority(), b.Remediation.Priority(); pa != pb {
			return pa > pb
		}
		if a.Expiry != b.Expiry {
			return a.Expiry > b.Expiry
		}
		return a.ID > b.ID
	})
}

// expiry returns the entry TTL anchor: the maximum member expiry.
func (e *Entry) expiry() time.Time {
	var maxExp int64
	for _, it := range e.Items {
		if it.Expiry > maxExp {
			maxExp = it.Expiry
		}
	}
	if maxExp == 0 {
		return time.Time{}
	}

	return time.Unix(maxExp, 0)
}

// dropExpired removes members whose expiry has passed and reports
// whether anything was removed.
func (e *Entry) dropExpired(now time.Time) bool {
	kept := e.Items[:0]
	for _, it := range e.Items {
		if it.Expiry > now.Unix() {
			kept = append(kept, it)
		}
	}
	changed := len(kept) != len(e.Items)
	e.Items = kept

	return changed
}

// remove deletes the tuple with the given decision ID and reports
// whether it was present.
func (e *Entry) remove(id int64) bool {
	for i, it := range e.Items {
		if it.ID == id {
			e.Items = append(e.Items[:i], e.Items[i+1:]...)
			return true
		}
	}

	return false
}

// Top returns the highest-priority remediation, or bypass for an empty
// entry.
func (e *Entry) Top() remediation.Remediation {
	if len(e.Items) == 0 {
		return remediation.Bypass
	}

	return e.Items[0].Remediation
}
