package blob

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// FilesystemStore keeps blobs under a root directory on an afero filesystem.
// Production wiring uses the OS filesystem; tests use an in-memory one.
type FilesystemStore struct {
	fs     afero.Fs
	root   string
	osPath bool
}

// NewFilesystemStore creates a store rooted at dir on the given filesystem.
func NewFilesystemStore(fs afero.Fs, dir string) *FilesystemStore {
	_, osPath := fs.(*afero.OsFs)
	return &FilesystemStore{fs: fs, root: filepath.Clean(dir), osPath: osPath}
}

// NewOsStore creates a store on the real filesystem under dir.
func NewOsStore(dir string) *FilesystemStore {
	return NewFilesystemStore(afero.NewOsFs(), dir)
}

// NewMemStore creates an in-memory store. Used by tests and dev mode.
func NewMemStore() *FilesystemStore {
	return NewFilesystemStore(afero.NewMemMapFs(), "/blobs")
}

func (s *FilesystemStore) fullPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FilesystemStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := s.fullPath(key)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("ensure blob directory: %w", err)
	}
	// Write to a temp name then rename so readers never see partial blobs.
	tmp := full + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		return fmt.Errorf("promote blob %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *FilesystemStore) Path(key string) (string, error) {
	if !s.osPath {
		return "", fmt.Errorf("blob %s has no local path on this backend", key)
	}
	return s.fullPath(key), nil
}

func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(s.fullPath(key)); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, s.fullPath(key))
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return ok, nil
}
