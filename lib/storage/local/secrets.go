/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package local

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// NewSecretStore creates a filesystem secret store under cfg.Dir. The
// secrets directory is created owner-only.
func NewSecretStore(cfg Config) (*SecretStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dir := filepath.Join(cfg.Dir, secretsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &SecretStore{dir: dir}, nil
}

// SecretStore keeps one owner-only file per secret. PEM-looking values get
// a .pem extension, everything else .txt, matching what operators expect to
// find when inspecting the data directory.
type SecretStore struct {
	dir string
}

func (s *SecretStore) paths(key string) []string {
	return []string{
		filepath.Join(s.dir, key+".pem"),
		filepath.Join(s.dir, key+".txt"),
	}
}

// Get returns the secret value, or a NotFound error.
func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	for _, path := range s.paths(key) {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", trace.ConvertSystemError(err)
		}
	}
	return "", trace.NotFound("secret %q is not provisioned", key)
}

// Put creates or replaces the secret value with owner-only permissions.
func (s *SecretStore) Put(ctx context.Context, key, value string) error {
	name := key + ".txt"
	if strings.Contains(value, "-----BEGIN") {
		name = key + ".pem"
	}
	// Drop a stale sibling so Get never resolves an old value.
	for _, path := range s.paths(key) {
		if filepath.Base(path) != name {
			os.Remove(path)
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(value), 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Delete removes the secret.
func (s *SecretStore) Delete(ctx context.Context, key string) error {
	removed := false
	for _, path := range s.paths(key) {
		err := os.Remove(path)
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
	}
	if !removed {
		return trace.NotFound("secret %q is not provisioned", key)
	}
	return nil
}

// List returns the known secret keys.
func (s *SecretStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		key := strings.TrimSuffix(strings.TrimSuffix(name, ".pem"), ".txt")
		if key == name {
			continue
		}
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
