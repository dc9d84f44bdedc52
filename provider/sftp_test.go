package provider

import (
	"context"
	"io"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/filehub/sftptest"
)

func TestSFTPProvider_RoundTrip(t *testing.T) {
	root := t.TempDir()
	p := NewSFTPProvider(sftptest.NewClient(t))
	ctx := context.Background()

	dir := path.Join(root, "outbound", "2026")
	require.NoError(t, p.MkdirAll(ctx, dir), "recursive mkdir")

	target := path.Join(dir, "x.txt")
	w, err := p.OpenWrite(ctx, target+".part")
	require.NoError(t, err)
	_, err = w.Write([]byte("remote payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, p.Rename(ctx, target+".part", target))

	infos, err := p.List(ctx, dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "x.txt", infos[0].Name())
	assert.Equal(t, int64(len("remote payload")), infos[0].Size())

	r, err := p.OpenRead(ctx, target)
	require.NoError(t, err)
	defer r.Close()
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "remote payload", string(content))
}

func TestSFTPProvider_RenameOverwrites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(root, "a"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(path.Join(root, "b"), []byte("old"), 0o644))

	p := NewSFTPProvider(sftptest.NewClient(t))
	require.NoError(t, p.Rename(context.Background(), path.Join(root, "a"), path.Join(root, "b")))

	content, err := os.ReadFile(path.Join(root, "b"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
}

func TestSFTPProvider_StatMissingAndChmod(t *testing.T) {
	root := t.TempDir()
	p := NewSFTPProvider(sftptest.NewClient(t))
	ctx := context.Background()

	_, err := p.Stat(ctx, path.Join(root, "nope"))
	assert.True(t, IsNotExist(err), "not found must be recognisable through wrapping")

	file := path.Join(root, "perm.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, p.Chmod(ctx, file, 0o600))

	info, err := p.Stat(ctx, file)
	require.NoError(t, err)
	unixInfo, ok := info.(UnixFileInfo)
	require.True(t, ok, "sftp listings carry unix metadata")
	assert.Equal(t, os.FileMode(0o600), unixInfo.Mode())

	require.NoError(t, p.Remove(ctx, file))
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}
