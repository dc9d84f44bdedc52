package provider

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"
)

// ErrNotSupported is returned by providers for operations the backend cannot
// perform (for example chmod against object storage). Callers treat it as a
// warning, never as a transfer failure.
var ErrNotSupported = errors.New("operation not supported by provider")

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a storage backend abstraction: the local filesystem,
// an SFTP server or an S3 bucket.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite creates or truncates a file for streaming writes. Data is
	// only guaranteed to be persisted once Close returns nil.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Rename moves oldPath to newPath, replacing newPath if it exists.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Remove deletes a single file.
	Remove(ctx context.Context, path string) error

	// MkdirAll creates a directory and every missing parent.
	MkdirAll(ctx context.Context, path string) error

	// Chmod sets permission bits on a file.
	Chmod(ctx context.Context, path string, mode os.FileMode) error

	// Chown sets file ownership.
	Chown(ctx context.Context, path string, uid, gid int) error
}

// IsNotExist reports whether err means the path does not exist on any backend.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

// Aborter is implemented by writers that can discard a partial write
// instead of committing it.
type Aborter interface {
	CloseWithError(cause error) error
}

// Abort closes w after a failed write. Writers implementing Aborter discard
// what was written; others are closed normally.
func Abort(w io.WriteCloser, cause error) error {
	if a, ok := w.(Aborter); ok {
		return a.CloseWithError(cause)
	}
	return w.Close()
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Join joins path elements using the separator of p: the OS separator for
// local providers, forward slashes for remote ones.
func Join(p Provider, elem ...string) string {
	if _, ok := p.(*LocalProvider); ok {
		return filepath.Join(elem...)
	}
	return path.Join(elem...)
}

// Base returns the last element of a provider path.
func Base(p Provider, name string) string {
	if _, ok := p.(*LocalProvider); ok {
		return filepath.Base(name)
	}
	return path.Base(name)
}

// Dir returns all but the last element of a provider path.
func Dir(p Provider, name string) string {
	if _, ok := p.(*LocalProvider); ok {
		return filepath.Dir(name)
	}
	return path.Dir(name)
}
