package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pacebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Each key maps to one JSON file under the configured directory; slashes in
// keys become subdirectories. Writes go through a temp file + rename so a
// crash mid-write never leaves a torn snapshot behind.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	root string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty storage key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.New("invalid storage key: " + key)
	}
	return filepath.Join(s.root, clean+".json"), nil
}

func (s *fileStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) Save(ctx context.Context, key string, data []byte) error {
	_ = ctx
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
