// Package auth carries the caller identity supplied by the upstream gateway
// and the role checks applied to write operations.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// Gateway headers carrying the authenticated identity.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Caller is an authenticated principal.
type Caller struct {
	ID   string
	Role Role
}

// ErrUnauthenticated is returned when a request carries no identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// ForbiddenError is returned when a caller lacks the required role.
type ForbiddenError struct {
	Caller Caller
	Need   []Role
}

func (e *ForbiddenError) Error() string {
	need := make([]string, len(e.Need))
	for i, r := range e.Need {
		need[i] = string(r)
	}
	return fmt.Sprintf("role %q not allowed, need one of %s", e.Caller.Role, strings.Join(need, ", "))
}

// Require checks that the caller holds one of the roles.
func Require(c Caller, roles ...Role) error {
	for _, r := range roles {
		if c.Role == r {
			return nil
		}
	}
	return &ForbiddenError{Caller: c, Need: roles}
}

// FromRequest reads the identity the gateway attached to the request.
func FromRequest(r *http.Request) (Caller, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return Caller{}, ErrUnauthenticated
	}
	role := Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
	switch role {
	case RoleDriver, RoleAdmin:
	default:
		role = RoleUser
	}
	return Caller{ID: id, Role: role}, nil
}
