package communicator

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// tokenBox is a read-mostly holder for the current bearer token: many
// readers copy the pointer, the token-refresh task (T1) is the sole writer.
// No lock is ever held across network I/O.
type tokenBox struct {
	p atomic.Pointer[oauth2.Token]
}

func (b *tokenBox) Load() *oauth2.Token {
	return b.p.Load()
}

func (b *tokenBox) Store(t *oauth2.Token) {
	b.p.Store(t)
}

// Valid reports whether the currently held token exists and has not yet
// crossed its expiry.
func (b *tokenBox) Valid() bool {
	t := b.Load()
	return t != nil && t.Valid()
}

// authenticateResponse is the wire shape of POST /security/user/authenticate.
type authenticateResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// tokenFromResponse builds an oauth2.Token from the manager's response,
// applying safetySkew to the expiry so refresh happens early enough that a
// reader never observes token.Valid() flip false mid-request.
//
// The manager's expires_at field is optional; when absent, the token's own
// JWT exp claim is decoded instead (ParseUnverified: the agent has no
// reason to hold the manager's signing key, it only needs the claim, not a
// signature check -- the token is only ever presented back to the same
// manager that issued it).
func tokenFromResponse(resp authenticateResponse, safetySkew time.Duration) (*oauth2.Token, error) {
	var expiry time.Time
	if resp.ExpiresAt > 0 {
		expiry = time.Unix(resp.ExpiresAt, 0)
	} else {
		claims, err := decodeExpClaim(resp.Token)
		if err != nil {
			return nil, err
		}
		expiry = claims
	}

	return &oauth2.Token{
		AccessToken: resp.Token,
		TokenType:   "Bearer",
		Expiry:      expiry.Add(-safetySkew),
	}, nil
}

func decodeExpClaim(rawToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, err := parser.ParseUnverified(rawToken, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}

func bearerHeader(t *oauth2.Token) string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.AccessToken)
}
