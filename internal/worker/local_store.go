package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes proof bundles under a directory. Development
// fallback when no bucket is configured.
type LocalStore struct {
	baseDir string
}

// NewLocalStore builds a filesystem-backed archive store.
func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./proofs"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}
