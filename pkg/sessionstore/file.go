package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const fileExt = ".json"

// FileStore persists updates as one JSON file per key.
//
// Directory layout:
//
//	<root>/<key>.json
//
// Keys containing '/' map to nested directories. Writes go through a temp
// file and rename so readers never observe a partial document.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at root. The directory is created
// on first write.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) RootDir() string {
	return s.root
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+fileExt)
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("session store root dir is empty")
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	return os.MkdirAll(s.root, 0755)
}

func (s *FileStore) Put(ctx context.Context, key string, u *Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateUpdate(key, u); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	finalPath := s.Path(key)
	dir := filepath.Dir(finalPath)
	// #nosec G301 -- see ensureRoot
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	b, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return s.read(s.Path(key))
}

func (s *FileStore) read(path string) (*Update, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("session file is empty: %s", path)
	}

	var u Update
	if err := json.Unmarshal([]byte(trimmed), &u); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &u, nil
}

func (s *FileStore) List(ctx context.Context, pattern string) ([]Entry, error) {
	if s.root == "" {
		return nil, fmt.Errorf("session store root dir is empty")
	}
	if _, err := os.Stat(s.root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat session root: %w", err)
	}

	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid key pattern %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(s.root), "**/*"+fileExt, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}

	out := make([]Entry, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := strings.TrimSuffix(m, fileExt)
		ok, err := matchKey(pattern, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		u, err := s.read(filepath.Join(s.root, filepath.FromSlash(m)))
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: key, Update: u})
	}
	sortEntries(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
