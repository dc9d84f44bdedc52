package connection

import (
	"context"
	"io"
	"net"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Session is an open file-transfer channel together with the transport that
// carries it.
type Session struct {
	Client    *sftp.Client
	transport io.Closer
}

// NewSession pairs an SFTP client with the transport it runs over. transport
// may be nil when the client owns its own pipe.
func NewSession(client *sftp.Client, transport io.Closer) *Session {
	return &Session{Client: client, transport: transport}
}

// Close tears down the SFTP channel first, then the transport.
func (s *Session) Close() error {
	var errs []error
	if s.Client != nil {
		if err := s.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dialer opens one session per call. Implementations must release every
// resource they opened when returning an error.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, auth []ssh.AuthMethod) (*Session, error)
}

// SSHDialer dials SFTP over an SSH transport.
type SSHDialer struct{}

var _ Dialer = SSHDialer{}

func (SSHDialer) Dial(ctx context.Context, ep Endpoint, auth []ssh.AuthMethod) (*Session, error) {
	hostKeys, err := hostKeyCallback(ctx, ep)
	if err != nil {
		return nil, err
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cfg := &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := ep.Address()
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Errorf("dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errors.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, errors.Errorf("opening sftp subsystem on %s: %w", addr, err)
	}

	return NewSession(sftpClient, sshClient), nil
}

func hostKeyCallback(ctx context.Context, ep Endpoint) (ssh.HostKeyCallback, error) {
	if ep.KnownHostsFile == "" {
		zerolog.Ctx(ctx).Warn().Str("endpoint", ep.Key()).Msg("no known_hosts file configured, host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in via configuration
	}
	cb, err := knownhosts.New(ep.KnownHostsFile)
	if err != nil {
		return nil, errors.Errorf("loading known_hosts %s: %w", ep.KnownHostsFile, err)
	}
	return cb, nil
}
