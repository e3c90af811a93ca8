package mw

import (
	"context"
	"net/http"
	"strings"

	"github.com/nexagate/apigw/internal/authz"
	"github.com/nexagate/apigw/internal/domain"
	"github.com/nexagate/apigw/internal/httpapi"
)

type principalKeyType string

const principalKey principalKeyType = "principal"

// WithPrincipal attaches a verified Principal to ctx.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the Principal attached by RequireAuth/OptionalAuth,
// and whether one was present.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}

// TokenVerifier is the minimal bearer-token verification surface,
// satisfied by internal/auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (domain.Principal, error)
}

func bearerFrom(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// RequireAuth verifies the bearer token and attaches the Principal, or
// responds 401 (unauthorized, per the error taxonomy) and stops the chain.
func RequireAuth(v TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerFrom(r)
		if !ok {
			httpapi.Write(w, RID(r.Context()), httpapi.New(httpapi.KindUnauthorized, "missing or invalid bearer token"))
			return
		}
		p, err := v.Verify(tok)
		if err != nil {
			httpapi.Write(w, RID(r.Context()), httpapi.New(httpapi.KindUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// OptionalAuth attaches a Principal if a valid bearer token is present but
// never rejects the request.
func OptionalAuth(v TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok, ok := bearerFrom(r); ok {
			if p, err := v.Verify(tok); err == nil {
				r = r.WithContext(WithPrincipal(r.Context(), p))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRoles enforces a role/permission predicate on an already
// authenticated request (run RequireAuth first). Responds 403 on denial.
func RequireRoles(roles []domain.Role, perms []domain.Permission, logic authz.Logic, next http.Handler) http.Handler {
	if len(roles) == 0 && len(perms) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			httpapi.Write(w, RID(r.Context()), httpapi.New(httpapi.KindUnauthorized, "missing or invalid bearer token"))
			return
		}
		if err := authz.Authorize(p, roles, perms, logic); err != nil {
			httpapi.Write(w, RID(r.Context()), httpapi.New(httpapi.KindForbidden, "access denied: "+err.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
