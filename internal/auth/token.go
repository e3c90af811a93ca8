// Package auth implements HMAC-signed compact JWTs carrying a principal,
// plus the refresh-token exchange, generalized to issue tokens
// (register/login) as well as verify them, and to carry role/permission
// claims.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexagate/apigw/internal/domain"
)

var ErrInvalidOrExpired = errors.New("invalid_or_expired")

type tokenType string

const (
	typeAccess  tokenType = "access"
	typeRefresh tokenType = "refresh"
)

type claims struct {
	jwt.RegisteredClaims
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Type        string   `json:"type,omitempty"`
}

// Tokens is the access/refresh pair returned on register, login, and
// refresh.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Verifier validates bearer tokens and refresh tokens with a process-wide
// HMAC secret. It is stateless apart from the secret, as required.
type Verifier struct {
	secret          []byte
	accessTTL       time.Duration
	refreshTTL      time.Duration
}

func NewVerifier(secret string, accessTTL, refreshTTL time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// Issue mints a fresh access/refresh token pair for a principal.
func (v *Verifier) Issue(p domain.Principal) (Tokens, error) {
	now := time.Now()
	access, err := v.sign(p, typeAccess, now.Add(v.accessTTL))
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := v.sign(p, typeRefresh, now.Add(v.refreshTTL))
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

func (v *Verifier) sign(p domain.Principal, t tokenType, expiresAt time.Time) (string, error) {
	roles := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = string(r)
	}
	perms := make([]string, len(p.Permissions))
	for i, pm := range p.Permissions {
		perms[i] = string(pm)
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Username:    p.Username,
		Email:       p.Email,
		Roles:       roles,
		Permissions: perms,
		Type:        string(t),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(v.secret)
}

// Verify validates the bearer portion of an Authorization header and
// produces the carried Principal. Access tokens only: a refresh-typed token
// presented here is rejected.
func (v *Verifier) Verify(token string) (domain.Principal, error) {
	p, typ, err := v.parse(token)
	if err != nil {
		return domain.Principal{}, err
	}
	if typ == typeRefresh {
		return domain.Principal{}, ErrInvalidOrExpired
	}
	return p, nil
}

// Refresh validates a refresh token and issues a new access token for the
// same subject. A mismatch between the refresh token's subject and a
// caller-claimed subject (if provided) is an error.
func (v *Verifier) Refresh(refreshToken string, claimedSubject string) (string, error) {
	p, typ, err := v.parse(refreshToken)
	if err != nil {
		return "", err
	}
	if typ != typeRefresh {
		return "", ErrInvalidOrExpired
	}
	if claimedSubject != "" && claimedSubject != p.Subject {
		return "", ErrInvalidOrExpired
	}
	return v.sign(p, typeAccess, time.Now().Add(v.accessTTL))
}

func (v *Verifier) parse(tokenStr string) (domain.Principal, tokenType, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidOrExpired
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return domain.Principal{}, "", ErrInvalidOrExpired
	}
	if c.Subject == "" || c.Username == "" {
		return domain.Principal{}, "", ErrInvalidOrExpired
	}
	roles := make([]domain.Role, len(c.Roles))
	for i, r := range c.Roles {
		roles[i] = domain.Role(r)
	}
	perms := make([]domain.Permission, len(c.Permissions))
	for i, p := range c.Permissions {
		perms[i] = domain.Permission(p)
	}
	principal := domain.Principal{
		Subject:     c.Subject,
		Username:    c.Username,
		Email:       c.Email,
		Roles:       roles,
		Permissions: perms,
	}
	return principal, tokenType(c.Type), nil
}
