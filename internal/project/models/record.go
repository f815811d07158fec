package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	pstrings "midas/pkg/platform/strings"
)

// ProjectRecord is a draft publication or data-management plan under
// management.
//
// Invariants:
//   - ID, Name and Owner are non-empty
//   - ID never changes after construction
//   - Created <= Modified
//   - Data and Meta are never nil; Meta is always an object
//   - ACL lists hold no duplicates
//
// The owner holds every permission implicitly (the virtual "own" check), so
// removing the owner from a grant list never locks them out; Authorized is
// the only place that decision is made.
type ProjectRecord struct {
	ID          string
	Name        string
	Owner       string
	Data        jsondoc.Value
	Meta        *jsondoc.Object
	ACLs        ACLs
	Curators    []string
	Status      Status
	Created     float64
	Modified    float64
	Deactivated bool
}

// NewProjectRecord builds an empty draft owned by owner, with every
// permission granted to the owner.
func NewProjectRecord(id, name, owner string, now time.Time) (*ProjectRecord, error) {
	if id == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "record id cannot be empty")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "record name cannot be empty")
	}
	if owner == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "record owner cannot be empty")
	}
	ts := Epoch(now)
	r := &ProjectRecord{
		ID:       id,
		Name:     name,
		Owner:    owner,
		Data:     jsondoc.NewObject(),
		Meta:     jsondoc.NewObject(),
		Curators: []string{},
		Status:   NewStatus(now),
		Created:  ts,
		Modified: ts,
	}
	r.ACLs.Normalize()
	for _, p := range StoredPermissions {
		_, _ = r.ACLs.Grant(p, owner)
	}
	return r, nil
}

// Touch advances Modified to now, never letting it precede Created.
func (r *ProjectRecord) Touch(now time.Time) {
	r.Modified = max(Epoch(now), r.Created)
}

func (r *ProjectRecord) CreatedDate() string {
	return FormatDate(r.Created)
}

func (r *ProjectRecord) ModifiedDate() string {
	return FormatDate(r.Modified)
}

// Shoulder returns the id prefix before the colon.
func (r *ProjectRecord) Shoulder() string {
	for i := 0; i < len(r.ID); i++ {
		if r.ID[i] == ':' {
			return r.ID[:i]
		}
	}
	return ""
}

// IsCurator reports whether actor has curator rights.
func (r *ProjectRecord) IsCurator(actor string) bool {
	return slices.Contains(r.Curators, actor)
}

// AddCurators grants curator rights; repeats are ignored.
func (r *ProjectRecord) AddCurators(actors ...string) bool {
	var added bool
	r.Curators, added = pstrings.AppendUnique(r.Curators, actors...)
	return added
}

// CanEdit reports whether the state allows changes to data and meta.
func (r *ProjectRecord) CanEdit() error {
	if !r.Status.State.Editable() {
		return dErrors.Newf(dErrors.CodeNotEditable, "record %s is not editable in state %q", r.ID, r.Status.State)
	}
	return nil
}

// Authorized reports whether any of ids holds perm. The owner is always
// authorized; PublicGroup in a grant list authorizes everyone.
func (r *ProjectRecord) Authorized(perm Permission, ids ...string) bool {
	if slices.Contains(ids, r.Owner) {
		return true
	}
	if perm == PermOwn {
		return false
	}
	if r.ACLs.Has(perm, PublicGroup) {
		return true
	}
	for _, id := range ids {
		if r.ACLs.Has(perm, id) {
			return true
		}
	}
	return false
}

// GrantPermTo adds actors to perm's list; granting twice is a no-op.
func (r *ProjectRecord) GrantPermTo(perm Permission, actors ...string) (bool, error) {
	return r.ACLs.Grant(perm, actors...)
}

// RevokePermFrom removes actor from perm's list on behalf of requester, who
// must be the owner or hold admin. With protectOwner the owner entry is kept
// no matter who asks.
func (r *ProjectRecord) RevokePermFrom(perm Permission, actor, requester string, protectOwner bool) (bool, error) {
	if !r.Authorized(PermAdmin, requester) {
		return false, dErrors.Newf(dErrors.CodeForbidden, "%s may not change permissions on %s", requester, r.ID)
	}
	if protectOwner && actor == r.Owner {
		if _, err := r.ACLs.list(perm); err != nil {
			return false, err
		}
		return false, nil
	}
	return r.ACLs.Revoke(perm, actor)
}

// RevokePermFromAll empties perm's list, keeping the owner when protectOwner is set.
func (r *ProjectRecord) RevokePermFromAll(perm Permission, protectOwner bool) (bool, error) {
	granted := r.ACLs.Granted(perm)
	if _, err := r.ACLs.list(perm); err != nil {
		return false, err
	}
	keep := protectOwner && slices.Contains(granted, r.Owner)
	var drop []string
	for _, id := range granted {
		if keep && id == r.Owner {
			continue
		}
		drop = append(drop, id)
	}
	return r.ACLs.Revoke(perm, drop...)
}

// PermGranted lists perm's grantees: the owner first when present, then the
// others in the order they were granted.
func (r *ProjectRecord) PermGranted(perm Permission) []string {
	granted := r.ACLs.Granted(perm)
	out := make([]string, 0, len(granted))
	if slices.Contains(granted, r.Owner) {
		out = append(out, r.Owner)
	}
	for _, id := range granted {
		if id != r.Owner {
			out = append(out, id)
		}
	}
	return out
}

// Reassign transfers ownership, granting the new owner every permission.
// The previous owner keeps whatever explicit grants they had.
func (r *ProjectRecord) Reassign(newOwner string, now time.Time) {
	r.Owner = newOwner
	for _, p := range StoredPermissions {
		_, _ = r.ACLs.Grant(p, newOwner)
	}
	r.Touch(now)
}

// Clone returns a deep copy; stores hand out clones so callers cannot mutate
// stored state without an explicit save.
func (r *ProjectRecord) Clone() *ProjectRecord {
	out := *r
	out.Data = jsondoc.Clone(r.Data)
	out.Meta = r.Meta.Clone()
	out.ACLs = r.ACLs.Clone()
	out.Curators = slices.Clone(r.Curators)
	out.Status = r.Status.Clone()
	return &out
}

type recordJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Owner        string          `json:"owner"`
	Data         jsondoc.Doc     `json:"data"`
	Meta         *jsondoc.Object `json:"meta"`
	ACLs         ACLs            `json:"acls"`
	Curators     []string        `json:"curators"`
	Status       Status          `json:"status"`
	Created      float64         `json:"created"`
	CreatedDate  string          `json:"createdDate"`
	Modified     float64         `json:"modified"`
	ModifiedDate string          `json:"modifiedDate"`
	Deactivated  bool            `json:"deactivated"`
}

func (r *ProjectRecord) MarshalJSON() ([]byte, error) {
	meta := r.Meta
	if meta == nil {
		meta = jsondoc.NewObject()
	}
	curators := r.Curators
	if curators == nil {
		curators = []string{}
	}
	return json.Marshal(recordJSON{
		ID:           r.ID,
		Name:         r.Name,
		Owner:        r.Owner,
		Data:         jsondoc.Doc{Value: r.Data},
		Meta:         meta,
		ACLs:         r.ACLs,
		Curators:     curators,
		Status:       r.Status,
		Created:      r.Created,
		CreatedDate:  r.CreatedDate(),
		Modified:     r.Modified,
		ModifiedDate: r.ModifiedDate(),
		Deactivated:  r.Deactivated,
	})
}

func (r *ProjectRecord) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("record document has no id")
	}
	*r = ProjectRecord{
		ID:          w.ID,
		Name:        w.Name,
		Owner:       w.Owner,
		Data:        w.Data.Value,
		Meta:        w.Meta,
		ACLs:        w.ACLs,
		Curators:    pstrings.DedupeAndTrim(w.Curators),
		Status:      w.Status,
		Created:     w.Created,
		Modified:    w.Modified,
		Deactivated: w.Deactivated,
	}
	if r.Data == nil {
		r.Data = jsondoc.NewObject()
	}
	if r.Meta == nil {
		r.Meta = jsondoc.NewObject()
	}
	if r.Curators == nil {
		r.Curators = []string{}
	}
	r.ACLs.Normalize()
	return nil
}
