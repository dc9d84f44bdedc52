package provider

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"gitlab.com/tozd/go/errors"
)

var _ Provider = (*SFTPProvider)(nil)

// SFTPProvider implements Provider on top of an established SFTP session.
// It does not own the session: closing it is the connection manager's job.
type SFTPProvider struct {
	client *sftp.Client
}

// NewSFTPProvider wraps an SFTP client borrowed from a connection pool.
func NewSFTPProvider(client *sftp.Client) *SFTPProvider {
	return &SFTPProvider{client: client}
}

func wrapSFTPInfo(info os.FileInfo) FileInfo {
	base := &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
		mode:    info.Mode().Perm(),
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		return NewUnixFileInfo(base, st.UID, st.GID, info.Mode().Perm())
	}
	return base
}

func (p *SFTPProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	info, err := p.client.Stat(pth)
	if err != nil {
		return nil, errors.Errorf("sftp stat %s: %w", pth, err)
	}
	return wrapSFTPInfo(info), nil
}

func (p *SFTPProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := p.client.ReadDir(pth)
	if err != nil {
		return nil, errors.Errorf("sftp list %s: %w", pth, err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, wrapSFTPInfo(entry))
	}
	return infos, nil
}

func (p *SFTPProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	f, err := p.client.Open(pth)
	if err != nil {
		return nil, errors.Errorf("sftp open %s: %w", pth, err)
	}
	return f, nil
}

func (p *SFTPProvider) OpenWrite(ctx context.Context, pth string) (io.WriteCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	f, err := p.client.OpenFile(pth, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, errors.Errorf("sftp create %s: %w", pth, err)
	}
	return f, nil
}

// Rename prefers the posix-rename extension, which replaces the target in one
// step. Servers without it get a plain rename, preceded by removing an
// existing target since SSH_FXP_RENAME refuses to overwrite.
func (p *SFTPProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if _, ok := p.client.HasExtension("posix-rename@openssh.com"); ok {
		if err := p.client.PosixRename(oldPath, newPath); err == nil {
			return nil
		}
	}
	if _, err := p.client.Stat(newPath); err == nil {
		if err := p.client.Remove(newPath); err != nil {
			return errors.Errorf("sftp replace %s: %w", newPath, err)
		}
	}
	if err := p.client.Rename(oldPath, newPath); err != nil {
		return errors.Errorf("sftp rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (p *SFTPProvider) Remove(ctx context.Context, pth string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := p.client.Remove(pth); err != nil {
		return errors.Errorf("sftp remove %s: %w", pth, err)
	}
	return nil
}

func (p *SFTPProvider) MkdirAll(ctx context.Context, pth string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := p.client.MkdirAll(path.Clean(pth)); err != nil {
		return errors.Errorf("sftp mkdir %s: %w", pth, err)
	}
	return nil
}

func (p *SFTPProvider) Chmod(ctx context.Context, pth string, mode os.FileMode) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := p.client.Chmod(pth, mode); err != nil {
		return errors.Errorf("sftp chmod %s: %w", pth, err)
	}
	return nil
}

func (p *SFTPProvider) Chown(ctx context.Context, pth string, uid, gid int) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := p.client.Chown(pth, uid, gid); err != nil {
		return errors.Errorf("sftp chown %s: %w", pth, err)
	}
	return nil
}
