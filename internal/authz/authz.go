// Package authz implements the Authorizer: role/permission predicates over
// an already-verified Principal. It never touches the bearer token itself.
package authz

import (
	"fmt"

	"github.com/nexagate/apigw/internal/domain"
)

// Logic governs how a set of required permissions combines.
type Logic string

const (
	LogicAny Logic = "ANY"
	LogicAll Logic = "ALL"
)

// DeniedError reports which predicate failed, for logging and user
// feedback, per spec's forbidden-error contract.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

// Authorize checks principal against requiredRoles (ANY semantics) and
// requiredPermissions (per logic, defaulting to ANY). When both sets are
// non-empty, both predicates must pass.
func Authorize(principal domain.Principal, requiredRoles []domain.Role, requiredPermissions []domain.Permission, logic Logic) error {
	if len(requiredRoles) > 0 {
		ok := false
		for _, r := range requiredRoles {
			if principal.HasRole(r) {
				ok = true
				break
			}
		}
		if !ok {
			return &DeniedError{Reason: fmt.Sprintf("missing required role: one of %v", requiredRoles)}
		}
	}

	if len(requiredPermissions) > 0 {
		if logic == "" {
			logic = LogicAny
		}
		switch logic {
		case LogicAll:
			for _, p := range requiredPermissions {
				if !principal.HasPermission(p) {
					return &DeniedError{Reason: fmt.Sprintf("missing required permission: %s", p)}
				}
			}
		default: // ANY
			ok := false
			for _, p := range requiredPermissions {
				if principal.HasPermission(p) {
					ok = true
					break
				}
			}
			if !ok {
				return &DeniedError{Reason: fmt.Sprintf("missing required permission: one of %v", requiredPermissions)}
			}
		}
	}
	return nil
}

// EffectivePermissions exposes domain.EffectivePermissions for callers that
// only have role/grant data, not yet a Principal.
func EffectivePermissions(roles []domain.Role, granted []domain.Permission) []domain.Permission {
	return domain.EffectivePermissions(roles, granted)
}
