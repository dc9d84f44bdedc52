package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gitlab.com/tozd/go/errors"
)

var _ Provider = (*LocalProvider)(nil)

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }

// uid/gid/mode methods for basic localFileInfo so it trivially satisfies UnixFileInfo
// when the platform exposes no ownership data.
func (l *localFileInfo) UID() uint32       { return 0 }
func (l *localFileInfo) GID() uint32       { return 0 }
func (l *localFileInfo) Mode() os.FileMode { return l.mode }

// LocalProvider implements the Provider interface for posix-compliant local filesystems.
type LocalProvider struct {
	basePath string
	dirMode  os.FileMode
	fileMode os.FileMode
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{
		basePath: basePath,
		dirMode:  0o755,
		fileMode: 0o644,
	}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(path))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, WrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return os.Open(p.resolve(path))
}

func (p *LocalProvider) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	fullPath := p.resolve(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), p.dirMode); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, p.fileMode)
	if err != nil {
		return nil, err
	}
	return &localWriteCloser{File: file}, nil
}

// localWriteCloser flushes file contents to stable storage before closing so a
// subsequent rename never publishes a half-persisted file.
type localWriteCloser struct {
	*os.File
}

func (l *localWriteCloser) Close() error {
	if err := l.File.Sync(); err != nil {
		l.File.Close()
		return errors.Errorf("syncing %s: %w", l.File.Name(), err)
	}
	return l.File.Close()
}

// CloseWithError closes and removes the partially written file.
func (l *localWriteCloser) CloseWithError(error) error {
	errC := l.File.Close()
	if err := os.Remove(l.File.Name()); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing partial %s: %w", l.File.Name(), err)
	}
	return errC
}

func (p *LocalProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	src, dst := p.resolve(oldPath), p.resolve(newPath)
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		return moveAcrossDevices(src, dst)
	}
	return err
}

// moveAcrossDevices copies src next to dst under a temporary name, renames it
// into place and only then removes src.
func moveAcrossDevices(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".moving"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Errorf("copying %s across devices: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func (p *LocalProvider) Remove(ctx context.Context, path string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return os.Remove(p.resolve(path))
}

func (p *LocalProvider) MkdirAll(ctx context.Context, path string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return os.MkdirAll(p.resolve(path), p.dirMode)
}

func (p *LocalProvider) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return os.Chmod(p.resolve(path), mode)
}

func (p *LocalProvider) Chown(ctx context.Context, path string, uid, gid int) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return os.Chown(p.resolve(path), uid, gid)
}

// LocalPath returns the filesystem path backing path, used by checks that
// need direct OS access such as lock probing.
func (p *LocalProvider) LocalPath(path string) string {
	return p.resolve(path)
}
