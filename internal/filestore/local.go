package filestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"livechat/internal/models"

	"golang.org/x/crypto/blake2b"
)

// LocalFileStore implements FileStore using the local filesystem.
// Files are named by the hex blake2b-256 digest of their content.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) getPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *LocalFileStore) Put(r io.Reader) (string, int64, error) {
	// Write to temporary file first, the name is only known once the content is read.
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to init hash: %w", err)
	}

	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	path := s.getPath(hash)

	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return hash, size, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Atomically rename
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("failed to rename file: %w", err)
	}

	return hash, size, nil
}

func (s *LocalFileStore) Get(hash string) (io.ReadCloser, error) {
	if _, err := hex.DecodeString(hash); err != nil || len(hash) != 2*blake2b.Size256 {
		return nil, fmt.Errorf("invalid file hash %q: %w", hash, models.ErrNotFound)
	}
	f, err := os.Open(s.getPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", hash, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", hash, err)
	}
	return f, nil
}
