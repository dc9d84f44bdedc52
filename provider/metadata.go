package provider

import (
	"context"
	"os"
	"strconv"
	"syscall"

	"gitlab.com/tozd/go/errors"
)

// UnixFileInfo extends FileInfo with Unix-specific metadata
type UnixFileInfo interface {
	FileInfo
	UID() uint32
	GID() uint32
	Mode() os.FileMode
}

// unixFileInfo wraps FileInfo to provide Unix-specific metadata
type unixFileInfo struct {
	FileInfo
	uid  uint32
	gid  uint32
	mode os.FileMode
}

func (u *unixFileInfo) UID() uint32       { return u.uid }
func (u *unixFileInfo) GID() uint32       { return u.gid }
func (u *unixFileInfo) Mode() os.FileMode { return u.mode }

// WrapOSFileInfo converts an os.FileInfo into a UnixFileInfo
func WrapOSFileInfo(info os.FileInfo) UnixFileInfo {
	baseInfo := &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
		mode:    info.Mode().Perm(),
	}

	fileStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return baseInfo
	}

	return &unixFileInfo{
		FileInfo: baseInfo,
		uid:      fileStat.Uid,
		gid:      fileStat.Gid,
		mode:     info.Mode().Perm(),
	}
}

// NewUnixFileInfo creates a UnixFileInfo from raw values
func NewUnixFileInfo(info FileInfo, uid, gid uint32, mode os.FileMode) UnixFileInfo {
	return &unixFileInfo{
		FileInfo: info,
		uid:      uid,
		gid:      gid,
		mode:     mode,
	}
}

// IsReadOnly reports whether info carries permission bits and none of them
// grant write access. Backends without mode data are never read-only.
func IsReadOnly(info FileInfo) bool {
	unixInfo, ok := info.(UnixFileInfo)
	if !ok || unixInfo.Mode() == 0 {
		return false
	}
	return unixInfo.Mode().Perm()&0o222 == 0
}

// Attributes describes the permission and ownership changes a receiver applies
// to a freshly written file.
type Attributes struct {
	Mode     os.FileMode
	HasMode  bool
	UID, GID int
	HasOwner bool
}

// ParseMode parses an octal permission string such as "0644" or "640".
func ParseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, errors.Errorf("parsing octal permissions %q: %w", s, err)
	}
	if v > 0o7777 {
		return 0, errors.Errorf("permissions %q out of range", s)
	}
	return os.FileMode(v), nil
}

// ApplyAttributes applies permissions and ownership to path. Both changes are
// attempted; the returned error joins every failure.
func ApplyAttributes(ctx context.Context, p Provider, path string, attrs Attributes) error {
	var errs []error
	if attrs.HasMode {
		if err := p.Chmod(ctx, path, attrs.Mode); err != nil {
			errs = append(errs, errors.Errorf("chmod %o: %w", attrs.Mode, err))
		}
	}
	if attrs.HasOwner {
		if err := p.Chown(ctx, path, attrs.UID, attrs.GID); err != nil {
			errs = append(errs, errors.Errorf("chown %d:%d: %w", attrs.UID, attrs.GID, err))
		}
	}
	return errors.Join(errs...)
}
