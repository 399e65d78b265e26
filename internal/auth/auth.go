package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/studygroup-relay/internal/types"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "token"

	subjectClaim  = "sub"
	userIdClaim   = "user-id"
	nameClaim     = "name"
	usernameClaim = "username"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrExpiredToken = errors.New("bearer token expired")
)

// Authenticator verifies the bearer token presented at connection setup.
// A token is checked once per connection; expiry after the handshake does not
// close an open session.
type Authenticator struct {
	signingKey []byte
	now        func() time.Time
}

func NewAuthenticator(signingKey []byte) *Authenticator {
	return &Authenticator{
		signingKey: signingKey,
		now:        time.Now,
	}
}

// Authenticate returns the identity carried by a well-formed, correctly
// signed and unexpired HS256 token. There is no partial admission.
func (a *Authenticator) Authenticate(tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, ErrMissingToken
	}

	parser := &jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return types.Identity{}, ErrExpiredToken
	}
	if !claims.VerifyNotBefore(now, false) {
		return types.Identity{}, fmt.Errorf("%w: token used before nbf", ErrInvalidToken)
	}

	userId, err := userIdFromClaims(claims)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return types.Identity{
		UserId:   userId,
		Username: usernameFromClaims(claims),
	}, nil
}

func userIdFromClaims(claims jwt.MapClaims) (string, error) {
	if sub, ok := claims[subjectClaim].(string); ok && sub != "" {
		return sub, nil
	}

	// tokens minted by the origin application carry a numeric user id
	switch v := claims[userIdClaim].(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		if v != "" {
			return v, nil
		}
	}

	return "", fmt.Errorf("no user id claim")
}

func usernameFromClaims(claims jwt.MapClaims) string {
	if name, ok := claims[nameClaim].(string); ok && name != "" {
		return name
	}
	if name, ok := claims[usernameClaim].(string); ok {
		return name
	}
	return ""
}

// TokenFromRequest extracts the raw bearer token from the handshake request.
// Browsers cannot set headers on a websocket handshake, so the query string
// and the session cookie are accepted as fallbacks.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token, nil
	}

	if cookie, err := r.Cookie(tokenCookieKey); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", ErrMissingToken
}
