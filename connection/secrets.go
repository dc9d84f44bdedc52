package connection

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// ErrSecretNotFound is returned when a referenced password or key does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Secrets resolves credential references. Implementations are consulted on
// every connection attempt so rotated credentials apply without a restart.
type Secrets interface {
	Password(ctx context.Context, ref string) (string, error)
	PrivateKey(ctx context.Context, name string) ([]byte, error)
}

// FileSecrets reads credentials from a directory tree:
//
//	<dir>/passwords/<ref>
//	<dir>/keys/<name>
type FileSecrets struct {
	Dir string
}

func (s FileSecrets) Password(ctx context.Context, ref string) (string, error) {
	data, err := s.read("passwords", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (s FileSecrets) PrivateKey(ctx context.Context, name string) ([]byte, error) {
	return s.read("keys", name)
}

func (s FileSecrets) read(kind, name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return nil, errors.Errorf("%w: invalid %s reference %q", ErrSecretNotFound, kind, name)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, kind, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Errorf("%w: %s/%s", ErrSecretNotFound, kind, name)
	}
	if err != nil {
		return nil, errors.Errorf("reading %s %q: %w", kind, name, err)
	}
	return data, nil
}

// StaticSecrets is an in-memory Secrets store. It is safe for concurrent use
// and may be updated while connections are being made.
type StaticSecrets struct {
	mu        sync.RWMutex
	passwords map[string]string
	keys      map[string][]byte
}

func NewStaticSecrets() *StaticSecrets {
	return &StaticSecrets{
		passwords: make(map[string]string),
		keys:      make(map[string][]byte),
	}
}

func (s *StaticSecrets) SetPassword(ref, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[ref] = password
}

func (s *StaticSecrets) SetPrivateKey(name string, pem []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[name] = pem
}

func (s *StaticSecrets) Password(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pw, ok := s.passwords[ref]
	if !ok {
		return "", errors.Errorf("%w: password %q", ErrSecretNotFound, ref)
	}
	return pw, nil
}

func (s *StaticSecrets) PrivateKey(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[name]
	if !ok {
		return nil, errors.Errorf("%w: key %q", ErrSecretNotFound, name)
	}
	return key, nil
}
