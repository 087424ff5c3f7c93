// Package storage persists model artifacts on local disk or in an S3
// bucket.
//
// A FileStore is a flat namespace of forward-slash paths. Writes become
// visible only when the writer is closed without error, so a reader
// never observes a half-written model. Artifacts layers a versioned
// layout with a "current" pointer on top of any FileStore.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing. The content replaces any
	// existing file when the writer is closed.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file. Missing files are not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the paths under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Location is a parsed store address: a local directory, or
// s3://bucket/prefix.
type Location struct {
	Dir    string
	Bucket string
	Prefix string
}

// IsS3 reports whether the location names a bucket.
func (l Location) IsS3() bool { return l.Bucket != "" }

func (l Location) String() string {
	if l.IsS3() {
		if l.Prefix == "" {
			return "s3://" + l.Bucket
		}
		return "s3://" + l.Bucket + "/" + l.Prefix
	}
	return l.Dir
}

// ParseLocation parses a local path or an s3:// URI.
func ParseLocation(s string) (Location, error) {
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		if s == "" {
			return Location{}, fmt.Errorf("storage: empty location")
		}
		return Location{Dir: s}, nil
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("storage: %q has no bucket", s)
	}
	return Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// ReadFile reads a whole file.
func ReadFile(ctx context.Context, fs FileStore, path string) ([]byte, error) {
	r, err := fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteFile writes a whole file.
func WriteFile(ctx context.Context, fs FileStore, path string, data []byte) error {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
