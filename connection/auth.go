package connection

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
)

// ErrKeyNotFound is returned when key authentication is required but the key
// reference cannot be resolved. It is never retried.
var ErrKeyNotFound = errors.New("ssh key not found")

// resolveAuth builds the SSH auth methods for ep from the current contents of
// secrets.
func resolveAuth(ctx context.Context, ep Endpoint, secrets Secrets) ([]ssh.AuthMethod, error) {
	switch ep.AuthType {
	case AuthPassword:
		pw, err := resolvePassword(ctx, ep, secrets)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil

	case AuthKey:
		signer, err := resolveSigner(ctx, ep, secrets)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthDual:
		var methods []ssh.AuthMethod
		signer, keyErr := resolveSigner(ctx, ep, secrets)
		if keyErr == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
		pw, pwErr := resolvePassword(ctx, ep, secrets)
		if pwErr == nil {
			methods = append(methods, ssh.Password(pw))
		}
		if keyErr != nil {
			if pwErr != nil {
				return nil, errors.Join(keyErr, pwErr)
			}
			zerolog.Ctx(ctx).Warn().
				Str("endpoint", ep.Key()).
				Str("key", ep.KeyName).
				Err(keyErr).
				Msg("ssh key unavailable, degrading to password authentication")
		}
		return methods, nil
	}
	return nil, errors.Errorf("unknown authentication type %q", ep.AuthType)
}

func resolvePassword(ctx context.Context, ep Endpoint, secrets Secrets) (string, error) {
	if ep.Password != "" {
		return ep.Password, nil
	}
	if ep.PasswordRef == "" {
		return "", errors.Errorf("%w: no password configured for %s", ErrSecretNotFound, ep.Key())
	}
	if secrets == nil {
		return "", errors.Errorf("%w: no secret store for password %q", ErrSecretNotFound, ep.PasswordRef)
	}
	return secrets.Password(ctx, ep.PasswordRef)
}

func resolveSigner(ctx context.Context, ep Endpoint, secrets Secrets) (ssh.Signer, error) {
	if ep.KeyName == "" {
		return nil, errors.Errorf("%w: no key configured for %s", ErrKeyNotFound, ep.Key())
	}
	if secrets == nil {
		return nil, errors.Errorf("%w: no secret store for key %q", ErrKeyNotFound, ep.KeyName)
	}
	pem, err := secrets.PrivateKey(ctx, ep.KeyName)
	if err != nil {
		return nil, errors.Errorf("%w: %q: %s", ErrKeyNotFound, ep.KeyName, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.Errorf("parsing ssh key %q: %w", ep.KeyName, err)
	}
	return signer, nil
}
