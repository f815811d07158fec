package models

import (
	"encoding/json"
	"slices"

	dErrors "midas/pkg/domain-errors"
	pstrings "midas/pkg/platform/strings"
)

// Permission names an access right on a record.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermAdmin  Permission = "admin"
	PermDelete Permission = "delete"
	// PermOwn is only a query target: it is true for the owner and nobody else.
	PermOwn Permission = "own"
)

// PublicGroup, when granted a permission, extends it to every actor.
const PublicGroup = "grp0:public"

// StoredPermissions are the permissions that have grant lists.
var StoredPermissions = []Permission{PermRead, PermWrite, PermAdmin, PermDelete}

// ParsePermission accepts the stored permissions and "own".
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if p == PermOwn || slices.Contains(StoredPermissions, p) {
		return p, nil
	}
	return "", dErrors.Newf(dErrors.CodeInvalidUpdate, "unrecognized permission %q", s)
}

// ACLs holds one ordered, duplicate-free grant list per stored permission.
type ACLs struct {
	Read   []string `json:"read"`
	Write  []string `json:"write"`
	Admin  []string `json:"admin"`
	Delete []string `json:"delete"`
}

func (a *ACLs) list(p Permission) (*[]string, error) {
	switch p {
	case PermRead:
		return &a.Read, nil
	case PermWrite:
		return &a.Write, nil
	case PermAdmin:
		return &a.Admin, nil
	case PermDelete:
		return &a.Delete, nil
	case PermOwn:
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "own is not a grantable permission")
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidUpdate, "unrecognized permission %q", p)
	}
}

// Granted returns a copy of the grant list for p.
func (a ACLs) Granted(p Permission) []string {
	l, err := a.list(p)
	if err != nil {
		return nil
	}
	return append([]string{}, (*l)...)
}

// Has reports whether id appears in p's grant list.
func (a ACLs) Has(p Permission, id string) bool {
	l, err := a.list(p)
	if err != nil {
		return false
	}
	return slices.Contains(*l, id)
}

// Grant adds ids to p, ignoring those already present.
func (a *ACLs) Grant(p Permission, ids ...string) (bool, error) {
	l, err := a.list(p)
	if err != nil {
		return false, err
	}
	var added bool
	*l, added = pstrings.AppendUnique(*l, ids...)
	return added, nil
}

// Revoke removes ids from p.
func (a *ACLs) Revoke(p Permission, ids ...string) (bool, error) {
	l, err := a.list(p)
	if err != nil {
		return false, err
	}
	var removed bool
	*l, removed = pstrings.Remove(*l, ids...)
	return removed, nil
}

// Merge grants every entry of other. Used to apply configured default permissions.
func (a *ACLs) Merge(other ACLs) {
	for _, p := range StoredPermissions {
		_, _ = a.Grant(p, other.Granted(p)...)
	}
}

// Normalize trims and dedupes every list; documents loaded from storage are
// normalized so hand-edited files cannot break the no-duplicates rule.
func (a *ACLs) Normalize() {
	for _, p := range StoredPermissions {
		l, _ := a.list(p)
		*l = pstrings.DedupeAndTrim(*l)
		if *l == nil {
			*l = []string{}
		}
	}
}

func (a ACLs) Clone() ACLs {
	return ACLs{
		Read:   slices.Clone(a.Read),
		Write:  slices.Clone(a.Write),
		Admin:  slices.Clone(a.Admin),
		Delete: slices.Clone(a.Delete),
	}
}

// MarshalJSON writes empty lists as [] rather than null.
func (a ACLs) MarshalJSON() ([]byte, error) {
	type wire ACLs
	w := wire(a.Clone())
	for _, l := range []*[]string{&w.Read, &w.Write, &w.Admin, &w.Delete} {
		if *l == nil {
			*l = []string{}
		}
	}
	return json.Marshal(w)
}
