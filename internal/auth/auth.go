// Package auth implements the identity and authorization gate: it
// resolves a connection-establishment credential to a user identity and
// organization, rejecting unknown, expired, or suspended users before
// any session logic runs.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrExpiredCredentials = errors.New("auth: expired credentials")
	ErrUserSuspended      = errors.New("auth: user inactive or suspended")
)

// Identity is the result of a successful credential verification.
type Identity struct {
	UserID domain.UserID
	OrgID  domain.OrgID
}

// TokenVerifier validates a bearer credential and extracts the identity
// claims. No side effects beyond the lookup.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Gate combines credential verification with the directory's
// active-user check. Called once per connection; the result is cached on
// the connection for its lifetime.
type Gate struct {
	Tokens    TokenVerifier
	Directory core.Directory
}

func (g Gate) Authenticate(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredentials
	}
	id, err := g.Tokens.Verify(credential)
	if err != nil {
		return Identity{}, err
	}
	if !g.Directory.IsActive(id.UserID) {
		return Identity{}, ErrUserSuspended
	}
	return id, nil
}

// CredentialFromRequest extracts the bearer credential from the `token`
// query parameter or the Authorization header. Browsers cannot set
// headers on websocket upgrades, hence the query fallback.
func CredentialFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return token, nil
		}
	}
	return "", ErrMissingCredentials
}
