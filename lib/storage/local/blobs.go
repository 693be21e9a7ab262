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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/impalah/apuntador-backend/lib/utils"
)

// NewBlobStore creates a filesystem blob store under cfg.Dir.
func NewBlobStore(cfg Config) (*BlobStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dir := filepath.Join(cfg.Dir, blobsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &BlobStore{dir: dir}, nil
}

// BlobStore maps object keys to files under the blobs directory, creating
// intermediate directories as needed.
type BlobStore struct {
	dir string
}

func (s *BlobStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", trace.BadParameter("invalid blob key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

// Upload stores the object and returns a file URI. The content type is
// ignored; the filesystem has no metadata channel for it.
func (s *BlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	if err := utils.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", trace.Wrap(err)
	}
	return "file://" + path, nil
}

// Download returns the object contents, or a NotFound error.
func (s *BlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("blob %q not found", key)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// Delete removes the object, reporting whether it existed.
func (s *BlobStore) Delete(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, trace.ConvertSystemError(err)
	}
	return true, nil
}

// Exists reports whether the object is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, trace.ConvertSystemError(err)
	}
	return true, nil
}

// PresignedURL returns a file URI. There is no authentication to bypass on
// the local filesystem, so the TTL is meaningless; development only.
func (s *BlobStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", trace.NotFound("blob %q not found", key)
		}
		return "", trace.ConvertSystemError(err)
	}
	return "file://" + path, nil
}

// List returns the keys under the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	sort.Strings(keys)
	return keys, nil
}
