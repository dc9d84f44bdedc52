// Package sftptest runs SFTP servers inside the test process. Servers are
// backed by the real filesystem and connected to clients through net.Pipe, so
// tests exercise the full SFTP protocol without sshd or network access.
package sftptest

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"

	"github.com/franksops/filehub/connection"
)

// ErrSimulatedFailure is returned by Dialer for dials configured to fail.
var ErrSimulatedFailure = errors.New("simulated dial failure")

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Serve starts a server and returns a client connected to it. Closing the
// returned io.Closer stops both ends.
func Serve() (*sftp.Client, io.Closer, error) {
	clientConn, serverConn := net.Pipe()

	server, err := sftp.NewServer(serverConn)
	if err != nil {
		clientConn.Close()
		serverConn.Close()
		return nil, nil, errors.Errorf("starting sftp server: %w", err)
	}
	go server.Serve() //nolint:errcheck // ends with the pipe

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		server.Close()
		clientConn.Close()
		return nil, nil, errors.Errorf("starting sftp client: %w", err)
	}

	var once sync.Once
	return client, closerFunc(func() error {
		once.Do(func() {
			clientConn.Close()
			server.Close()
		})
		return nil
	}), nil
}

// NewClient returns a client whose server is stopped when the test ends.
func NewClient(t testing.TB) *sftp.Client {
	t.Helper()
	client, closer, err := Serve()
	if err != nil {
		t.Fatalf("sftptest: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		closer.Close()
	})
	return client
}

// Endpoint returns a password endpoint accepted by Dialer.
func Endpoint() connection.Endpoint {
	return connection.Endpoint{
		Host:     "sftp.test",
		Port:     22,
		Username: "transfer",
		AuthType: connection.AuthPassword,
		Password: "secret",
	}
}

// Dialer implements connection.Dialer with in-process servers. The first
// FailFirst dials fail with ErrSimulatedFailure.
type Dialer struct {
	FailFirst int

	dials    atomic.Int32
	mu       sync.Mutex
	lastAuth []ssh.AuthMethod
}

var _ connection.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, ep connection.Endpoint, auth []ssh.AuthMethod) (*connection.Session, error) {
	n := int(d.dials.Add(1))

	d.mu.Lock()
	d.lastAuth = auth
	d.mu.Unlock()

	if n <= d.FailFirst {
		return nil, ErrSimulatedFailure
	}
	client, closer, err := Serve()
	if err != nil {
		return nil, err
	}
	return connection.NewSession(client, closer), nil
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// LastAuth returns the auth methods passed to the most recent Dial.
func (d *Dialer) LastAuth() []ssh.AuthMethod {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAuth
}
