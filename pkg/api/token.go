package api

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/protocol"
)

var ErrInvalidToken = errors.New("invalid access token")

// Claims are the fields read from an access token. The signature is not
// verified client-side; the server remains the authority.
type Claims struct {
	UserID protocol.ID `json:"user_id"`
	jwt.RegisteredClaims
}

// ParseAccessToken decodes the claims of a JWT access token.
func ParseAccessToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	return claims, nil
}

// Credentials is the authenticated state handed out by Login.
type Credentials struct {
	Access  string    `json:"access" yaml:"access"`
	Refresh string    `json:"refresh,omitempty" yaml:"refresh,omitempty"`
	User    chat.User `json:"user" yaml:"user"`
}

// Usable reports whether the access token is present and not known to be
// expired. Tokens that are not JWTs are accepted as opaque.
func (c Credentials) Usable(now time.Time) bool {
	if strings.TrimSpace(c.Access) == "" {
		return false
	}
	claims, err := ParseAccessToken(c.Access)
	if err != nil {
		return true
	}
	if exp := claims.ExpiresAt; exp != nil && !exp.After(now) {
		return false
	}
	return true
}

// UserID returns the authenticated user id, falling back to the token's user_id claim.
func (c Credentials) UserID() int64 {
	if c.User.ID != 0 {
		return c.User.ID
	}
	if claims, err := ParseAccessToken(c.Access); err == nil {
		return int64(claims.UserID)
	}
	return 0
}
