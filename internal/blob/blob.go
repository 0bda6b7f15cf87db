// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob stores raw message and attachment content under a local
// directory. The store records only the returned storage path, so an
// object store can replace this behind the same interface.
package blob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store writes blobs under a base directory:
//
//	<dir>/raw/<id>.eml
//	<dir>/attachments/<emailID>/<uuid>-<filename>
type Store struct {
	dir string
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"raw", "attachments"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// SaveRaw stores the raw bytes of a fetched message and returns the path.
func (s *Store) SaveRaw(id string, content []byte) (string, error) {
	path := filepath.Join(s.dir, "raw", id+".eml")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("write raw message: %w", err)
	}
	return path, nil
}

// SaveAttachment stores attachment content keyed by email ID and returns
// the path.
func (s *Store) SaveAttachment(emailID, filename string, content []byte) (string, error) {
	dir := filepath.Join(s.dir, "attachments", emailID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}

	path := filepath.Join(dir, uuid.New().String()+"-"+filepath.Base(filename))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

// Load reads a blob back.
func (s *Store) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob. Missing files are not an error: deletion runs
// after every processing attempt, including retries.
func (s *Store) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
