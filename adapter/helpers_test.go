package adapter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/provider"
	"github.com/franksops/filehub/sftptest"
)

var errInjected = errors.New("injected failure")

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := make([]byte, size)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func newRecord(name string, content []byte) *FileRecord {
	return &FileRecord{
		ID:       uuid.New(),
		Name:     name,
		Path:     "/outbound/" + name,
		Size:     int64(len(content)),
		Content:  content,
		ReadAt:   time.Now(),
		Checksum: engine.Checksum(content),
		Status:   StatusReadSuccess,
	}
}

func batchOf(recs ...*FileRecord) *Batch {
	b := NewBatch()
	b.Add(recs...)
	return b
}

func sftpManager(t *testing.T) *connection.Manager {
	t.Helper()
	m := connection.NewManager(&sftptest.Dialer{}, nil, connection.WithRetry(1, time.Millisecond))
	t.Cleanup(func() { m.Close() })
	return m
}

// remoteConfig returns the connection keys accepted by sftptest.Dialer.
func remoteConfig(dir string, extra map[string]any) map[string]any {
	ep := sftptest.Endpoint()
	cfg := map[string]any{
		"remoteDirectory": dir,
		"host":            ep.Host,
		"port":            ep.Port,
		"username":        ep.Username,
		"password":        ep.Password,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

// faultyProvider wraps a provider and lets tests replace single operations.
type faultyProvider struct {
	provider.Provider

	afterList func()
	openRead  func(path string) error
	openWrite func(w io.WriteCloser) io.WriteCloser
	chmod     error
	statSize  func(path string, size int64) int64
}

func (f *faultyProvider) factory() ProviderFactory {
	return func(context.Context, EndpointConfig) (provider.Provider, func(), error) {
		return f, func() {}, nil
	}
}

func (f *faultyProvider) List(ctx context.Context, path string) ([]provider.FileInfo, error) {
	infos, err := f.Provider.List(ctx, path)
	if f.afterList != nil {
		f.afterList()
	}
	return infos, err
}

func (f *faultyProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if f.openRead != nil {
		if err := f.openRead(path); err != nil {
			return nil, err
		}
	}
	return f.Provider.OpenRead(ctx, path)
}

func (f *faultyProvider) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	w, err := f.Provider.OpenWrite(ctx, path)
	if err != nil || f.openWrite == nil {
		return w, err
	}
	return f.openWrite(w), nil
}

func (f *faultyProvider) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if f.chmod != nil {
		return f.chmod
	}
	return f.Provider.Chmod(ctx, path, mode)
}

func (f *faultyProvider) Stat(ctx context.Context, path string) (provider.FileInfo, error) {
	info, err := f.Provider.Stat(ctx, path)
	if err != nil || f.statSize == nil || info.IsDir() {
		return info, err
	}
	return sizedInfo{FileInfo: info, size: f.statSize(path, info.Size())}, nil
}

type sizedInfo struct {
	provider.FileInfo
	size int64
}

func (s sizedInfo) Size() int64 { return s.size }

// failAfter writes up to limit bytes and then fails, like a dropped
// connection in the middle of an upload.
type failAfter struct {
	io.WriteCloser
	limit int
}

func (f *failAfter) Write(p []byte) (int, error) {
	if len(p) <= f.limit {
		f.limit -= len(p)
		return f.WriteCloser.Write(p)
	}
	n, err := f.WriteCloser.Write(p[:f.limit])
	f.limit = 0
	if err != nil {
		return n, err
	}
	return n, errInjected
}

func (f *failAfter) CloseWithError(cause error) error {
	return provider.Abort(f.WriteCloser, cause)
}
