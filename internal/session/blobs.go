package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BlobStore holds capture image bytes, keyed by session and artifact.
type BlobStore interface {
	Put(sessionID, artifactID string, data []byte) error
	Get(sessionID, artifactID string) ([]byte, error)
	List(sessionID string) ([]string, error)
}

// FSBlobStore keeps capture images on the local filesystem, one
// directory per session.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates a filesystem blob store rooted at dir.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{root: dir}, nil
}

func (f *FSBlobStore) Put(sessionID, artifactID string, data []byte) error {
	dir := filepath.Join(f.root, sanitize(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session blob dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(artifactID)+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

func (f *FSBlobStore) Get(sessionID, artifactID string) ([]byte, error) {
	path := filepath.Join(f.root, sanitize(sessionID), sanitize(artifactID)+".jpg")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (f *FSBlobStore) List(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, sanitize(sessionID)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".jpg"))
	}
	sort.Strings(out)
	return out, nil
}

// sanitize strips path separators so a crafted ID cannot escape the
// blob root.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, string(os.PathSeparator), "_")
	return strings.ReplaceAll(s, "..", "_")
}
