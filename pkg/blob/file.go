package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

// FileStore keeps blobs as files below a root directory. Used for local
// development and tests.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root %q: %w", root, err)
	}

	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob root %q: %w", abs, err)
	}

	return &FileStore{root: abs}, nil
}

// Put writes data through a temporary file so readers never see a partial blob.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file for %q: %w", key, err)
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return "", fmt.Errorf("failed to write %q: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store %q: %w", key, err)
	}

	return s.Location(key), nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}

	return data, nil
}

func (s *FileStore) Location(key string) string {
	return fileScheme + filepath.ToSlash(s.path(key))
}

func (s *FileStore) Key(location string) (string, error) {
	prefix := fileScheme + filepath.ToSlash(s.root) + "/"
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("%w: %q", ErrForeignLocation, location)
	}

	return cleanKey(strings.TrimPrefix(location, prefix))
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
