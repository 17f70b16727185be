// Package blob persists attachment bytes outside the database.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrExists   = errors.New("blob already exists")
	ErrNotFound = errors.New("blob not found")
)

// Store is a write-once content store addressed by generated names.
// Put returns the reference that is saved on the queued request.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Open returns the store for backend ("fs" or "s3").
func Open(backend, dir string, s3opts S3Options) (Store, error) {
	switch backend {
	case "fs", "":
		return NewFSStore(dir)
	case "s3":
		return NewS3Store(s3opts), nil
	default:
		return nil, fmt.Errorf("unknown attachment backend %q", backend)
	}
}
