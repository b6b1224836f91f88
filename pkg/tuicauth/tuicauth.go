// Package tuicauth derives and checks the TUIC Auth token. The shared
// secret between client and server for a given UUID never goes on the
// wire: both sides independently compute a 32-byte token from the TLS
// connection's key-exporter primitive, binding authentication to the
// specific TLS session and ruling out token replay against another one.
package tuicauth

import (
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tuicmesh/tuicd/pkg/credential"
	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/ratelimit"
)

// TokenSize is the length, in bytes, of a derived Auth token.
const TokenSize = 32

var (
	// ErrUnknownUser is returned when the claimed UUID has no registered secret.
	ErrUnknownUser = errors.New("tuicauth: unknown uuid")
	// ErrBadToken is returned when the presented token does not match the
	// token recomputed from the TLS session and the known secret.
	ErrBadToken = errors.New("tuicauth: token mismatch")
	// ErrRateLimited is returned when a source or uuid has exceeded its
	// auth attempt budget.
	ErrRateLimited = errors.New("tuicauth: too many auth attempts")
)

// DeriveToken computes the 32-byte Auth token for id using state's TLS
// exporter, keyed by the shared secret. The uuid acts as the exporter
// label and the secret as its context, so the same (uuid, secret) pair
// yields different tokens on every distinct TLS session.
func DeriveToken(state tls.ConnectionState, id uuid.UUID, secret []byte) ([TokenSize]byte, error) {
	var token [TokenSize]byte

	raw, err := state.ExportKeyingMaterial(string(id[:]), secret, TokenSize)
	if err != nil {
		return token, fmt.Errorf("tuicauth: export keying material: %w", err)
	}
	copy(token[:], raw)

	return token, nil
}

// Authenticator validates TUIC Auth commands against a credential store,
// throttling retries per source address and per claimed UUID.
type Authenticator struct {
	credentials *credential.Manager
	limiter     *ratelimit.RateLimiter
}

// NewAuthenticator builds an Authenticator. limiter may be nil to disable
// auth-attempt throttling.
func NewAuthenticator(credentials *credential.Manager, limiter *ratelimit.RateLimiter) *Authenticator {
	return &Authenticator{credentials: credentials, limiter: limiter}
}

// Verify checks a claimed (uuid, token) pair against state and the
// credential store. sourceAddr identifies the connecting peer for rate
// limiting and logging only.
func (a *Authenticator) Verify(state tls.ConnectionState, sourceAddr string, id uuid.UUID, token [TokenSize]byte) error {
	if a.limiter != nil {
		if result := a.limiter.CheckAuthAttempt(sourceAddr, id.String()); !result.Allowed {
			logger.Warn("auth attempt rate limited", "source", sourceAddr, "uuid", id, "reason", result.Reason)
			return ErrRateLimited
		}
	}

	secret, err := a.credentials.Secret(id)
	if err != nil {
		logger.Warn("auth for unknown uuid", "source", sourceAddr, "uuid", id)
		return ErrUnknownUser
	}

	expected, err := DeriveToken(state, id, secret)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(token[:], expected[:]) != 1 {
		logger.Warn("auth token mismatch", "source", sourceAddr, "uuid", id)
		return ErrBadToken
	}

	logger.Info("authenticated", "source", sourceAddr, "uuid", id)
	return nil
}
