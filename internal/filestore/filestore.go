package filestore

import (
	"io"
)

// FileStore is an interface for storing and retrieving files by their content hash.
type FileStore interface {
	// Put stores the content of r and returns its hash and size.
	// It is idempotent: storing the same bytes twice keeps a single copy.
	Put(r io.Reader) (hash string, size int64, err error)

	// Get retrieves the file content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}
