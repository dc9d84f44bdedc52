//go:build unix

package validation

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestValidate_LockProbe(t *testing.T) {
	c := localCandidate(t, "busy.dat", []byte("payload"))
	v := &Validator{Rules: Rules{CheckLock: true}}

	res := v.Validate(context.Background(), c)
	require.True(t, res.Valid, "unlocked file passes")

	holder, err := os.Open(c.LocalPath)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	res = v.Validate(context.Background(), c)
	assert.False(t, res.Valid)
	assert.Equal(t, InvalidLockStatus, res.Category)

	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	res = v.Validate(context.Background(), c)
	assert.True(t, res.Valid, "released lock passes again")
}
