// Package auth turns a bearer token issued by the user service into an
// explicit caller Identity that is passed to every command.
package auth

import "strings"

const RoleAdmin = "ADMIN"

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Email  string
	Roles  []string
}

func (i Identity) IsAdmin() bool {
	for _, r := range i.Roles {
		if strings.EqualFold(strings.TrimPrefix(r, "ROLE_"), RoleAdmin) {
			return true
		}
	}
	return false
}

// CanAccess reports whether the caller may read or act on a resource owned by ownerID.
func (i Identity) CanAccess(ownerID int64) bool {
	return i.UserID == ownerID || i.IsAdmin()
}
