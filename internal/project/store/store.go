// Package store holds what every record backend shares: the selection
// filter, the new-record constructor and the duplicate checks each backend
// runs inside its own critical section.
package store

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"midas/internal/project/models"
	"midas/pkg/platform/sentinel"
)

// Filter narrows SelectRecords. The zero Filter selects every active record.
type Filter struct {
	// Owner, when set, keeps only that owner's records.
	Owner string
	// States, when non-empty, keeps only records in one of these states.
	States []models.State
	// IncludeDeactivated also returns deactivated records.
	IncludeDeactivated bool
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec *models.ProjectRecord) bool {
	if rec.Deactivated && !f.IncludeDeactivated {
		return false
	}
	if f.Owner != "" && rec.Owner != f.Owner {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, rec.Status.State) {
		return false
	}
	return true
}

// NewRecord builds the record a backend persists on create: owner-only
// permissions plus the configured defaults.
func NewRecord(id, name, owner string, defaults models.ACLs, now time.Time) (*models.ProjectRecord, error) {
	rec, err := models.NewProjectRecord(id, name, owner, now)
	if err != nil {
		return nil, err
	}
	rec.ACLs.Merge(defaults)
	return rec, nil
}

// NameTaken reports whether another active record of owner already uses name.
func NameTaken(existing []*models.ProjectRecord, id, name, owner string) bool {
	for _, r := range existing {
		if r.ID != id && !r.Deactivated && r.Owner == owner && r.Name == name {
			return true
		}
	}
	return false
}

// CheckActiveName returns ErrAlreadyUsed when saving rec would give its owner two
// active records with the same name.
func CheckActiveName(existing []*models.ProjectRecord, rec *models.ProjectRecord) error {
	if rec.Deactivated {
		return nil
	}
	if NameTaken(existing, rec.ID, rec.Name, rec.Owner) {
		return fmt.Errorf("name %q for owner %s: %w", rec.Name, rec.Owner, sentinel.ErrAlreadyUsed)
	}
	return nil
}

// SortByID orders records by id, the order SelectRecords returns.
func SortByID(recs []*models.ProjectRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
