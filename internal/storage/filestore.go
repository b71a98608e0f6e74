package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidName  = errors.New("invalid storage name")
	ErrInvalidPath  = errors.New("path escapes storage root")
	ErrAlreadyExist = errors.New("storage name already exists")
)

// FileStore keeps attachment bytes on the local disk under one root folder.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload folder: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload folder: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) Root() string { return s.root }

// Store writes data under name and returns the handle (absolute path).
// name must be a bare file name; an existing file is never overwritten.
func (s *FileStore) Store(ctx context.Context, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}

	path := filepath.Join(s.root, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ErrAlreadyExist
		}
		return "", fmt.Errorf("create %s: %w", name, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return path, nil
}

// Retrieve reads the whole file behind handle.
func (s *FileStore) Retrieve(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Open streams the file behind handle; the caller closes it.
func (s *FileStore) Open(handle string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Delete removes the file; a missing file is not an error.
func (s *FileStore) Delete(handle string) error {
	path, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) resolve(handle string) (string, error) {
	path := filepath.Clean(handle)
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.Contains(rel, string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return path, nil
}
