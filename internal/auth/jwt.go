package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dialdesk/dialdesk/internal/domain"
)

var ErrUnsupportedJWT = errors.New("auth: unsupported jwt")

const (
	// base64url-no-pad length of a 32-byte HMAC-SHA256 signature.
	hmacSHA256SigLen    = 32
	hmacSHA256SigB64Len = 43
	maxTokenLen         = 8 * 1024
)

type jwtClaims struct {
	Sub string `json:"sub"`
	Org string `json:"org"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
}

// HS256Verifier verifies HMAC-SHA256 signed tokens minted by the identity
// provider. Claims: sub (user id), org (organization id), exp, iat.
type HS256Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewHS256Verifier(secret string) HS256Verifier {
	return HS256Verifier{secret: []byte(secret), now: time.Now}
}

func (v HS256Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	if len(token) > maxTokenLen {
		return Identity{}, ErrInvalidCredentials
	}
	headerB64, payloadB64, sigB64, ok := splitParts(token)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return Identity{}, fmt.Errorf("%w: alg %q", ErrUnsupportedJWT, header.Alg)
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Identity{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	var claims jwtClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.Sub == "" || claims.Org == "" {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.Exp != 0 && v.now().Unix() >= claims.Exp {
		return Identity{}, ErrExpiredCredentials
	}

	return Identity{
		UserID: domain.UserID(claims.Sub),
		OrgID:  domain.OrgID(claims.Org),
	}, nil
}

func splitParts(token string) (header, payload, sig string, ok bool) {
	first := strings.IndexByte(token, '.')
	if first <= 0 {
		return "", "", "", false
	}
	last := strings.LastIndexByte(token, '.')
	if last == first || last != len(token)-hmacSHA256SigB64Len-1 {
		return "", "", "", false
	}
	return token[:first], token[first+1 : last], token[last+1:], true
}

// SignHS256 mints a token for the given identity. Used by tests and dev
// tooling; production tokens come from the external identity provider.
func SignHS256(secret string, id Identity, ttl time.Duration) (string, error) {
	return signHS256At(secret, id, ttl, time.Now())
}

func signHS256At(secret string, id Identity, ttl time.Duration, now time.Time) (string, error) {
	headerB64 := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := jwtClaims{
		Sub: string(id.UserID),
		Org: string(id.OrgID),
		Iat: now.Unix(),
	}
	if ttl > 0 {
		claims.Exp = now.Add(ttl).Unix()
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + payloadB64 + "." + sigB64, nil
}
