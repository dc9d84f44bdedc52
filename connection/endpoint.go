package connection

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"
)

// AuthType selects how a session authenticates against the remote server.
type AuthType string

const (
	AuthPassword AuthType = "USERNAME_PASSWORD"
	AuthKey      AuthType = "SSH_KEY"
	// AuthDual offers both key and password and is allowed to fall back to
	// password-only when the key cannot be resolved.
	AuthDual AuthType = "DUAL"
)

// DefaultPort is the SSH port used when an endpoint leaves it unset.
const DefaultPort = 22

// DefaultTimeout bounds the TCP connect and SSH handshake of a single attempt.
const DefaultTimeout = 30 * time.Second

// Endpoint identifies a remote SFTP server and how to authenticate to it.
// Credentials are references resolved at dial time, never key material.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	AuthType AuthType

	// Password is a literal password, meant for development setups.
	Password string
	// PasswordRef names a password held by the Secrets store.
	PasswordRef string
	// KeyName names a private key held by the Secrets store.
	KeyName string

	KnownHostsFile string
	Timeout        time.Duration
}

// Key is the pool key: connections are only shared between identical
// user/host/port triples.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s@%s", e.Username, e.Address())
}

// Address returns host:port.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Validate reports configuration problems that make dialing pointless.
func (e Endpoint) Validate() error {
	var errs []error
	if e.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if e.Port < 1 || e.Port > 65535 {
		errs = append(errs, errors.Errorf("port %d out of range 1-65535", e.Port))
	}
	if e.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	switch e.AuthType {
	case AuthPassword:
		if e.Password == "" && e.PasswordRef == "" {
			errs = append(errs, errors.New("password or passwordRef is required for USERNAME_PASSWORD"))
		}
	case AuthKey:
		if e.KeyName == "" {
			errs = append(errs, errors.New("sshKeyName is required for SSH_KEY"))
		}
	case AuthDual:
		if e.KeyName == "" {
			errs = append(errs, errors.New("sshKeyName is required for DUAL"))
		}
	default:
		errs = append(errs, errors.Errorf("unknown authenticationType %q", e.AuthType))
	}
	return errors.Join(errs...)
}
