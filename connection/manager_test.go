package connection_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/sftptest"
)

func newManager(d connection.Dialer, secrets connection.Secrets, opts ...connection.Option) *connection.Manager {
	opts = append([]connection.Option{connection.WithRetry(3, time.Millisecond)}, opts...)
	return connection.NewManager(d, secrets, opts...)
}

func privateKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

func TestManager_ReusesReleasedConnection(t *testing.T) {
	dialer := &sftptest.Dialer{}
	m := newManager(dialer, nil)
	defer m.Close()
	ctx := context.Background()

	first, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err, "first acquire should succeed")
	m.Release(first)

	second, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err, "second acquire should succeed")
	defer m.Release(second)

	assert.Equal(t, first.ID(), second.ID(), "idle connection should be reused")
	assert.Equal(t, 1, dialer.Dials(), "only one dial expected")
}

func TestManager_ConcurrentAcquireGetsDistinctConnections(t *testing.T) {
	dialer := &sftptest.Dialer{}
	m := newManager(dialer, nil)
	defer m.Close()
	ctx := context.Background()

	const n = 4
	conns := make([]*connection.Connection, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Acquire(ctx, sftptest.Endpoint())
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, c := range conns {
		require.NotNil(t, c)
		assert.False(t, seen[c.ID()], "connection %d lent twice", c.ID())
		seen[c.ID()] = true
	}
	assert.Equal(t, n, m.Stats()[sftptest.Endpoint().Key()].InUse)

	for _, c := range conns {
		m.Release(c)
	}
	assert.Equal(t, 0, m.Stats()[sftptest.Endpoint().Key()].InUse)
}

func TestManager_RetriesUntilSuccess(t *testing.T) {
	dialer := &sftptest.Dialer{FailFirst: 2}
	m := newManager(dialer, nil)
	defer m.Close()

	conn, err := m.Acquire(context.Background(), sftptest.Endpoint())
	require.NoError(t, err, "third attempt should succeed")
	m.Release(conn)
	assert.Equal(t, 3, dialer.Dials())
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &sftptest.Dialer{FailFirst: 10}
	m := newManager(dialer, nil)
	defer m.Close()

	_, err := m.Acquire(context.Background(), sftptest.Endpoint())
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrConnect)
	assert.ErrorIs(t, err, sftptest.ErrSimulatedFailure)
	assert.Equal(t, 3, dialer.Dials(), "attempts must be bounded")
	assert.Equal(t, 0, m.Stats()[sftptest.Endpoint().Key()].InUse, "failed dial must not leak an in-use slot")
}

func TestManager_MissingKeyFailsFast(t *testing.T) {
	dialer := &sftptest.Dialer{}
	m := newManager(dialer, connection.NewStaticSecrets())
	defer m.Close()

	ep := sftptest.Endpoint()
	ep.AuthType = connection.AuthKey
	ep.KeyName = "bank-key"

	_, err := m.Acquire(context.Background(), ep)
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrKeyNotFound)
	assert.Equal(t, 0, dialer.Dials(), "no dial without key material")
}

func TestManager_DualDegradesToPassword(t *testing.T) {
	dialer := &sftptest.Dialer{}
	m := newManager(dialer, connection.NewStaticSecrets())
	defer m.Close()

	ep := sftptest.Endpoint()
	ep.AuthType = connection.AuthDual
	ep.KeyName = "missing"

	conn, err := m.Acquire(context.Background(), ep)
	require.NoError(t, err, "dual mode should fall back to password")
	m.Release(conn)
	assert.Len(t, dialer.LastAuth(), 1, "only password auth offered")
}

func TestManager_KeyResolvedAtCallTime(t *testing.T) {
	dialer := &sftptest.Dialer{}
	secrets := connection.NewStaticSecrets()
	m := newManager(dialer, secrets)
	defer m.Close()

	ep := sftptest.Endpoint()
	ep.AuthType = connection.AuthKey
	ep.KeyName = "rotating"

	_, err := m.Acquire(context.Background(), ep)
	require.ErrorIs(t, err, connection.ErrKeyNotFound)

	secrets.SetPrivateKey("rotating", privateKeyPEM(t))
	conn, err := m.Acquire(context.Background(), ep)
	require.NoError(t, err, "rotated key should be picked up without a new manager")
	m.Release(conn)
	assert.Len(t, dialer.LastAuth(), 1)
}

func TestManager_EvictsDeadIdleConnection(t *testing.T) {
	dialer := &sftptest.Dialer{}
	m := newManager(dialer, nil)
	defer m.Close()
	ctx := context.Background()

	first, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err)
	m.Release(first)
	first.Client().Close()

	second, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err)
	defer m.Release(second)

	assert.NotEqual(t, first.ID(), second.ID(), "dead connection must not be handed out")
	assert.Equal(t, 2, dialer.Dials())
}

func TestManager_ClosesIdleBeyondCapacity(t *testing.T) {
	m := newManager(&sftptest.Dialer{}, nil, connection.WithMaxIdle(1))
	defer m.Close()
	ctx := context.Background()

	a, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err)
	b, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err)

	m.Release(a)
	m.Release(b)
	m.Release(b)

	stats := m.Stats()[sftptest.Endpoint().Key()]
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestManager_SweepEvictsIdleConnections(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := newManager(&sftptest.Dialer{}, nil,
		connection.WithIdleTimeout(time.Minute),
		connection.WithClock(clock))
	defer m.Close()
	ctx := context.Background()

	conn, err := m.Acquire(ctx, sftptest.Endpoint())
	require.NoError(t, err)
	m.Release(conn)

	assert.Equal(t, 0, m.Sweep(ctx), "fresh connection survives")
	assert.Equal(t, 1, m.Stats()[sftptest.Endpoint().Key()].Idle)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep(ctx), "idle connection evicted")
	assert.Equal(t, 0, m.Stats()[sftptest.Endpoint().Key()].Idle)
}

func TestManager_WithConnection(t *testing.T) {
	m := newManager(&sftptest.Dialer{}, nil)
	defer m.Close()

	err := m.WithConnection(context.Background(), sftptest.Endpoint(), func(c *connection.Connection) error {
		_, err := c.Client().Getwd()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats()[sftptest.Endpoint().Key()].Idle, "connection returned to pool")
}

func TestManager_AcquireAfterClose(t *testing.T) {
	m := newManager(&sftptest.Dialer{}, nil)
	require.NoError(t, m.Close())

	_, err := m.Acquire(context.Background(), sftptest.Endpoint())
	assert.ErrorIs(t, err, connection.ErrPoolClosed)
}

func TestEndpoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*connection.Endpoint)
		wantErr string
	}{
		{"valid", func(*connection.Endpoint) {}, ""},
		{"port zero", func(e *connection.Endpoint) { e.Port = 0 }, "out of range"},
		{"port too high", func(e *connection.Endpoint) { e.Port = 70000 }, "out of range"},
		{"missing host", func(e *connection.Endpoint) { e.Host = "" }, "host is required"},
		{"key without name", func(e *connection.Endpoint) { e.AuthType = connection.AuthKey }, "sshKeyName"},
		{"unknown auth", func(e *connection.Endpoint) { e.AuthType = "TOKEN" }, "unknown authenticationType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := sftptest.Endpoint()
			tt.mutate(&ep)
			err := ep.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFileSecrets(t *testing.T) {
	dir := t.TempDir()
	s := connection.FileSecrets{Dir: dir}

	_, err := s.Password(context.Background(), "sftp-bank")
	assert.ErrorIs(t, err, connection.ErrSecretNotFound)

	_, err = s.PrivateKey(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, connection.ErrSecretNotFound, "path traversal rejected")
}
