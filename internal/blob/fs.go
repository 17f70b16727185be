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

// FSStore keeps attachments as files under Root.
type FSStore struct {
	Root string
}

func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve attachment dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &FSStore{Root: abs}, nil
}

func (s *FSStore) Put(_ context.Context, name string, data []byte) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	path := filepath.Join(s.Root, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("put %s: %w", name, ErrExists)
		}
		return "", fmt.Errorf("put %s: %w", name, err)
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

// Get reads the file at ref. Any filesystem path is accepted so rows
// written by older deployments with a different root still resolve.
func (s *FSStore) Get(_ context.Context, ref string) ([]byte, error) {
	if !filepath.IsAbs(ref) {
		ref = filepath.Join(s.Root, ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return data, nil
}
