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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fsBackend = "fs"

// envelope is the on-disk representation of an entry. The value is
// base64-encoded by encoding/json.
type envelope struct {
	Key    string   `json:"key"`
	Expiry int64    `json:"expiry,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Value  []byte   `json:"value"`
}

// FS is the file-backed store: one JSON file per entry, sharded into
// 256 directories by the first byte of the hashed key. Files do not
// expire on their own, so this is the only backend implementing Prune.
type FS struct {
	root   string
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]Item
}

// NewFS opens (and creates, if needed) the cache directory at root.
func NewFS(root string, logger *zap.Logger) (*FS, error) {
	if root == "" {
		return nil, storageErr(fsBackend, "open", errors.New("cache path is empty"))
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, storageErr(fsBackend, "open", err)
	}

	return &FS{
		root:    root,
		logger:  logger,
		pending: make(map[string]Item),
	}, nil
}

func (s *FS) path(key string) string {
	h := hashKey(encodeKey(key))
	return filepath.Join(s.root, h[:2], h+".json")
}

func (s *FS) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	s.mu.Lock()
	if item, ok := s.pending[key]; ok {
		s.mu.Unlock()
		if item.expired(now) {
			observeLookup(fsBackend, false)
			return nil, false, nil
		}
		observeLookup(fsBackend, true)
		return item.Value, true, nil
	}
	s.mu.Unlock()

	env, err := s.read(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			observeLookup(fsBackend, false)
			return nil, false, nil
		}
		return nil, false, storageErr(fsBackend, "get", err)
	}
	if env.Expiry != 0 && env.Expiry <= now.Unix() {
		// expired entries are left for Prune
		observeLookup(fsBackend, false)
		return nil, false, nil
	}

	observeLookup(fsBackend, true)
	return env.Value, true, nil
}

func (s *FS) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *FS) Put(_ context.Context, item Item) error {
	if err := checkSize(fsBackend, item); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[item.Key] = item
	s.mu.Unlock()

	return nil
}

// Commit flushes all deferred writes. Each entry is written to a
// temporary file and renamed into place, so readers in other processes
// never observe partial writes.
func (s *FS) Commit(_ context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]Item)
	s.mu.Unlock()

	for key, item := range batch {
		if err := s.write(key, item); err != nil {
			return storageErr(fsBackend, "commit", err)
		}
	}

	return nil
}

func (s *FS) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr(fsBackend, "delete", err)
	}

	return nil
}

func (s *FS) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pending = make(map[string]Item)
	s.mu.Unlock()

	if err := os.RemoveAll(s.root); err != nil {
		return storageErr(fsBackend, "clear", err)
	}
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return storageErr(fsBackend, "clear", err)
	}

	return nil
}

func (s *FS) ClearByTag(_ context.Context, tag string) error {
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

	return s.walk(func(path string, env *envelope) error {
		for _, t := range env.Tags {
			if t == tag {
				return os.Remove(path)
			}
		}
		return nil
	}, "clear_by_tag")
}

// Prune removes entries whose expiry has passed.
func (s *FS) Prune(_ context.Context) error {
	now := time.Now().Unix()
	return s.walk(func(path string, env *envelope) error {
		if env.Expiry != 0 && env.Expiry <= now {
			return os.Remove(path)
		}
		return nil
	}, "prune")
}

func (s *FS) Close() error {
	return nil
}

func (s *FS) read(path string) (*envelope, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	return &env, nil
}

func (s *FS) write(key string, item Item) error {
	env := envelope{
		Key:   encodeKey(key),
		Tags:  item.Tags,
		Value: item.Value,
	}
	if !item.Expiry.IsZero() {
		env.Expiry = item.Expiry.Unix()
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func (s *FS) walk(fn func(path string, env *envelope) error, op string) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		env, err := s.read(path)
		if err != nil {
			// a file another process is replacing right now; skip it
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			s.logger.Warn("skipping unreadable cache file", zap.String("path", path), zap.Error(err))
			return nil
		}

		return fn(path, env)
	})
	if err != nil {
		return storageErr(fsBackend, op, err)
	}

	return nil
}

var _ Store = (*FS)(nil)
