package service

import (
	"context"
	"strings"
	"time"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/store"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	"midas/pkg/requestcontext"
)

// CreateOptions tunes CreateRecord.
type CreateOptions struct {
	// Shoulder requests a specific id shoulder; it must be allowed for the
	// agent's client group.
	Shoulder string
}

// CreateRecord starts a new draft owned by agent. The name is checked before
// an id is minted so a refused create never consumes a sequence number.
func (s *Service) CreateRecord(ctx context.Context, agent *models.Agent, name string, data, meta jsondoc.Value, opts CreateOptions) (*models.ProjectRecord, error) {
	defer s.observe("create", time.Now())
	if err := requireAgent(agent); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "record name is required")
	}
	if data != nil && data.Kind() != jsondoc.KindObject {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "initial data must be an object")
	}
	var metaObj *jsondoc.Object
	if meta != nil {
		obj, ok := meta.(*jsondoc.Object)
		if !ok {
			return nil, dErrors.New(dErrors.CodeInvalidUpdate, "metadata must be an object")
		}
		metaObj = obj
	}

	shoulder, err := s.minter.Shoulder(agent, opts.Shoulder)
	if err != nil {
		s.denied(ctx, agent, "", "create")
		return nil, err
	}
	taken, err := s.store.NameExists(ctx, s.coll, name, agent.Actor)
	if err != nil {
		return nil, wrapStoreErr(err, "name "+name)
	}
	if taken {
		return nil, dErrors.Newf(dErrors.CodeConflict, "%s already has a record named %q", agent.Actor, name)
	}
	id, err := s.minter.Mint(ctx, shoulder, name)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	rec, err := s.store.CreateRecord(ctx, s.coll, id, name, agent.Actor, s.defaults, now)
	if err != nil {
		return nil, wrapStoreErr(err, "create "+id)
	}
	rec.Status.Act(models.ActionCreate, "draft created", agent.Actor, now)
	if metaObj != nil {
		merged, _ := jsondoc.Merge(rec.Meta, metaObj).(*jsondoc.Object)
		rec.Meta = merged
	}
	if data != nil {
		rec.Data = jsondoc.Merge(rec.Data, data)
	}

	var object jsondoc.Value
	if !jsondoc.IsEmptyObject(rec.Data) {
		object = rec.Data
	}
	entry := provenance.New(provenance.TypeCreate, rec.ID, agent, rec.Status.Message, object, now)
	if err := s.commit(ctx, agent, rec, entry, "record_created"); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncrementRecordsCreated()
	}
	return rec, nil
}

// GetRecord returns a record the agent may read, looked up by id or by the
// name of one of the agent's own records.
func (s *Service) GetRecord(ctx context.Context, agent *models.Agent, id string) (*models.ProjectRecord, error) {
	defer s.observe("get", time.Now())
	return s.loadFor(ctx, agent, id, models.PermRead)
}

// GetStatus returns the record's workflow status.
func (s *Service) GetStatus(ctx context.Context, agent *models.Agent, id string) (models.Status, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermRead)
	if err != nil {
		return models.Status{}, err
	}
	return rec.Status, nil
}

// ExistsRecord reports whether a record with the id exists, without any
// permission check.
func (s *Service) ExistsRecord(ctx context.Context, agent *models.Agent, id string) (bool, error) {
	_, err := s.load(ctx, agent, id)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

// NameExists reports whether the agent already owns an active record named name.
func (s *Service) NameExists(ctx context.Context, agent *models.Agent, name string) (bool, error) {
	if err := requireAgent(agent); err != nil {
		return false, err
	}
	ok, err := s.store.NameExists(ctx, s.coll, name, agent.Actor)
	if err != nil {
		return false, wrapStoreErr(err, "name "+name)
	}
	return ok, nil
}

// SelectRecords lists the records matching f on which the agent holds perm.
func (s *Service) SelectRecords(ctx context.Context, agent *models.Agent, perm models.Permission, f store.Filter) ([]*models.ProjectRecord, error) {
	defer s.observe("select", time.Now())
	if err := requireAgent(agent); err != nil {
		return nil, err
	}
	if _, err := models.ParsePermission(string(perm)); err != nil {
		return nil, err
	}
	recs, err := s.store.SelectRecords(ctx, s.coll, f)
	if err != nil {
		return nil, wrapStoreErr(err, "select")
	}
	super := s.isSuperuser(agent)
	ids := agent.Identities()
	out := make([]*models.ProjectRecord, 0, len(recs))
	for _, rec := range recs {
		if super || rec.Authorized(perm, ids...) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Reassign hands the record to newOwner, who gains every permission.
func (s *Service) Reassign(ctx context.Context, agent *models.Agent, id, newOwner string) (*models.ProjectRecord, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return nil, err
	}
	newOwner = strings.TrimSpace(newOwner)
	if newOwner == "" || strings.ContainsAny(newOwner, " \t\n") {
		return nil, dErrors.Newf(dErrors.CodeInvalidUpdate, "invalid new owner %q", newOwner)
	}
	if newOwner == rec.Owner {
		return rec, nil
	}
	prev := rec.Owner
	now := requestcontext.Now(ctx)
	rec.Reassign(newOwner, now)
	rec.Status.Act(models.ActionReassign, "owner changed from "+prev, agent.Actor, now)

	entry := provenance.New(provenance.TypePatch, provenance.PartSubject(rec.ID, "owner"), agent,
		rec.Status.Message, jsondoc.String(newOwner), now)
	if err := s.commit(ctx, agent, rec, entry, "record_reassigned"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Rename gives the record a new name, unique among the owner's active records.
func (s *Service) Rename(ctx context.Context, agent *models.Agent, id, newName string) (*models.ProjectRecord, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return nil, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "record name is required")
	}
	if newName == rec.Name {
		return rec, nil
	}
	taken, err := s.store.NameExists(ctx, s.coll, newName, rec.Owner)
	if err != nil {
		return nil, wrapStoreErr(err, "name "+newName)
	}
	if taken {
		return nil, dErrors.Newf(dErrors.CodeConflict, "%s already has a record named %q", rec.Owner, newName)
	}
	now := requestcontext.Now(ctx)
	rec.Name = newName
	rec.Touch(now)
	rec.Status.Act(models.ActionRename, "renamed to "+newName, agent.Actor, now)

	entry := provenance.New(provenance.TypePatch, provenance.PartSubject(rec.ID, "name"), agent,
		rec.Status.Message, jsondoc.String(newName), now)
	if err := s.commit(ctx, agent, rec, entry, "record_renamed"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Deactivate soft-deletes the record: it keeps its id, data and history but
// leaves the name index. Returns false when it was already deactivated.
func (s *Service) Deactivate(ctx context.Context, agent *models.Agent, id string) (bool, error) {
	return s.setDeactivated(ctx, agent, id, true)
}

// Reactivate reverses Deactivate. It fails with a conflict when the owner
// has since created another active record with the same name.
func (s *Service) Reactivate(ctx context.Context, agent *models.Agent, id string) (bool, error) {
	return s.setDeactivated(ctx, agent, id, false)
}

func (s *Service) setDeactivated(ctx context.Context, agent *models.Agent, id string, deactivate bool) (bool, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return false, err
	}
	if rec.Deactivated == deactivate {
		return false, nil
	}
	action, event := models.ActionReactivate, "record_reactivated"
	if deactivate {
		action, event = models.ActionDeactivate, "record_deactivated"
	}
	now := requestcontext.Now(ctx)
	rec.Deactivated = deactivate
	rec.Touch(now)
	rec.Status.Act(action, "", agent.Actor, now)

	entry := provenance.New(provenance.TypeProcess, rec.ID, agent, "", provenance.Process(action), now)
	if err := s.commit(ctx, agent, rec, entry, event); err != nil {
		return false, err
	}
	return true, nil
}

// Purge permanently removes a record that was never published. Its
// provenance log is kept and gains a final DELETE entry.
func (s *Service) Purge(ctx context.Context, agent *models.Agent, id string) error {
	rec, err := s.loadFor(ctx, agent, id, models.PermDelete)
	if err != nil {
		return err
	}
	if rec.Status.PublishedAs != "" || rec.Status.State == models.StatePublished {
		return dErrors.Newf(dErrors.CodeNotEditable, "record %s has been published and cannot be purged", rec.ID)
	}
	if err := s.store.Delete(ctx, s.coll, rec.ID); err != nil {
		return wrapStoreErr(err, "purge "+rec.ID)
	}
	now := requestcontext.Now(ctx)
	entry := provenance.New(provenance.TypeDelete, rec.ID, agent, "record purged", provenance.Process(models.ActionPurge), now)
	if err := s.store.AppendAction(ctx, s.coll, entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record provenance for "+rec.ID)
	}
	s.notify(ctx, agent, rec, "record_purged")
	s.logAudit(ctx, "record_purged", "record_id", rec.ID, "actor", agent.Actor)
	return nil
}
