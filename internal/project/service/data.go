package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	"midas/pkg/requestcontext"
)

// PathUpdate is one element of a PatchData call.
type PathUpdate struct {
	Path  string
	Value jsondoc.Value
}

// GetData returns the record's data, or the part of it at part.
func (s *Service) GetData(ctx context.Context, agent *models.Agent, id, part string) (jsondoc.Value, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermRead)
	if err != nil {
		return nil, err
	}
	p, err := parsePart(rec.ID, part)
	if err != nil {
		return nil, err
	}
	v, err := jsondoc.Get(rec.Data, p)
	if err != nil {
		return nil, wrapPathErr(err, rec.ID, p)
	}
	return jsondoc.Clone(v), nil
}

// loadEditable loads a record the agent may write and whose state allows edits.
func (s *Service) loadEditable(ctx context.Context, agent *models.Agent, id string) (*models.ProjectRecord, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermWrite)
	if err != nil {
		return nil, err
	}
	if err := rec.CanEdit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateData merges v into the data at part and returns the new value there.
// Objects merge key by key; any other value replaces what was there.
func (s *Service) UpdateData(ctx context.Context, agent *models.Agent, id, part string, v jsondoc.Value, message string) (jsondoc.Value, error) {
	defer s.observe("update_data", time.Now())
	return s.writeData(ctx, agent, id, part, v, message, jsondoc.MergePatch)
}

// ReplaceData overwrites the data at part with v.
func (s *Service) ReplaceData(ctx context.Context, agent *models.Agent, id, part string, v jsondoc.Value, message string) (jsondoc.Value, error) {
	defer s.observe("replace_data", time.Now())
	return s.writeData(ctx, agent, id, part, v, message, jsondoc.Replace)
}

func (s *Service) writeData(ctx context.Context, agent *models.Agent, id, part string, v jsondoc.Value, message string, mode jsondoc.Mode) (jsondoc.Value, error) {
	if v == nil {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "a value is required")
	}
	rec, err := s.loadEditable(ctx, agent, id)
	if err != nil {
		return nil, err
	}
	p, err := parsePart(rec.ID, part)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() && v.Kind() != jsondoc.KindObject {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "record data must be an object")
	}
	data, err := jsondoc.Set(rec.Data, p, v, mode)
	if err != nil {
		return nil, wrapPathErr(err, rec.ID, p)
	}

	typ, action := provenance.TypePatch, models.ActionPatch
	if mode == jsondoc.Replace {
		typ, action = provenance.TypePut, models.ActionPut
	}
	if message == "" {
		message = dataMessage(action, p)
	}
	now := requestcontext.Now(ctx)
	rec.Data = data
	rec.Touch(now)
	rec.Status.Act(action, message, agent.Actor, now)

	entry := provenance.New(typ, rec.ID, agent, message, nil, now)
	entry.AddSubaction(provenance.Sub(typ, provenance.DataSubject(rec.ID, p), "", v))
	if err := s.commit(ctx, agent, rec, entry, "data_updated"); err != nil {
		return nil, err
	}
	out, err := jsondoc.Get(rec.Data, p)
	if err != nil {
		return nil, wrapPathErr(err, rec.ID, p)
	}
	return jsondoc.Clone(out), nil
}

// PatchData applies several merge updates as one change. The paths may not
// overlap; if any of them fails nothing is saved.
func (s *Service) PatchData(ctx context.Context, agent *models.Agent, id string, updates []PathUpdate, message string) error {
	defer s.observe("patch_data", time.Now())
	if len(updates) == 0 {
		return dErrors.New(dErrors.CodeInvalidUpdate, "no updates given")
	}
	rec, err := s.loadEditable(ctx, agent, id)
	if err != nil {
		return err
	}
	paths := make([]jsondoc.Path, len(updates))
	for i, u := range updates {
		if u.Value == nil {
			return dErrors.Newf(dErrors.CodeInvalidUpdate, "no value given for %q", u.Path)
		}
		p, err := parsePart(rec.ID, u.Path)
		if err != nil {
			return err
		}
		if p.IsRoot() && u.Value.Kind() != jsondoc.KindObject {
			return dErrors.New(dErrors.CodeInvalidUpdate, "record data must be an object")
		}
		for _, prev := range paths[:i] {
			if jsondoc.Overlaps(prev, p) {
				return dErrors.Newf(dErrors.CodeInvalidUpdate, "update paths %q and %q overlap", prev.String(), p.String())
			}
		}
		paths[i] = p
	}

	data := rec.Data
	for i, u := range updates {
		data, err = jsondoc.Set(data, paths[i], u.Value, jsondoc.MergePatch)
		if err != nil {
			return wrapPathErr(err, rec.ID, paths[i])
		}
	}
	if message == "" {
		message = "updated " + pluralParts(len(updates))
	}
	now := requestcontext.Now(ctx)
	rec.Data = data
	rec.Touch(now)
	rec.Status.Act(models.ActionPatch, message, agent.Actor, now)

	entry := provenance.New(provenance.TypePatch, rec.ID, agent, message, nil, now)
	for i, u := range updates {
		entry.AddSubaction(provenance.Sub(provenance.TypePatch, provenance.DataSubject(rec.ID, paths[i]), "", u.Value))
	}
	return s.commit(ctx, agent, rec, entry, "data_updated")
}

// ClearData removes the data at part; clearing the root leaves an empty
// object. It returns false when there was nothing at part.
func (s *Service) ClearData(ctx context.Context, agent *models.Agent, id, part, message string) (bool, error) {
	defer s.observe("clear_data", time.Now())
	rec, err := s.loadEditable(ctx, agent, id)
	if err != nil {
		return false, err
	}
	p, err := parsePart(rec.ID, part)
	if err != nil {
		return false, err
	}
	var data jsondoc.Value
	if p.IsRoot() {
		data = jsondoc.NewObject()
	} else {
		data, err = jsondoc.Delete(rec.Data, p)
		if errors.Is(err, jsondoc.ErrPathNotFound) {
			return false, nil
		}
		if err != nil {
			return false, wrapPathErr(err, rec.ID, p)
		}
	}
	if message == "" {
		message = dataMessage(models.ActionDelete, p)
	}
	now := requestcontext.Now(ctx)
	rec.Data = data
	rec.Touch(now)
	rec.Status.Act(models.ActionDelete, message, agent.Actor, now)

	entry := provenance.New(provenance.TypeDelete, provenance.DataSubject(rec.ID, p), agent, message, nil, now)
	if err := s.commit(ctx, agent, rec, entry, "data_cleared"); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMeta merges meta into the record's metadata. Metadata is not
// subject to the workflow state, only to write permission.
func (s *Service) UpdateMeta(ctx context.Context, agent *models.Agent, id string, meta *jsondoc.Object, message string) (*jsondoc.Object, error) {
	if meta == nil {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "metadata must be an object")
	}
	rec, err := s.loadFor(ctx, agent, id, models.PermWrite)
	if err != nil {
		return nil, err
	}
	merged, _ := jsondoc.Merge(rec.Meta, meta).(*jsondoc.Object)
	if message == "" {
		message = "metadata updated"
	}
	now := requestcontext.Now(ctx)
	rec.Meta = merged
	rec.Touch(now)
	rec.Status.Act(models.ActionPatch, message, agent.Actor, now)

	entry := provenance.New(provenance.TypePatch, provenance.PartSubject(rec.ID, "meta"), agent, message, meta, now)
	if err := s.commit(ctx, agent, rec, entry, "meta_updated"); err != nil {
		return nil, err
	}
	return rec.Meta.Clone(), nil
}

func dataMessage(action string, p jsondoc.Path) string {
	verb := map[string]string{
		models.ActionPatch:  "updated",
		models.ActionPut:    "replaced",
		models.ActionDelete: "cleared",
	}[action]
	if p.IsRoot() {
		return verb + " data"
	}
	return verb + " data/" + p.String()
}

func pluralParts(n int) string {
	if n == 1 {
		return "1 data part"
	}
	return fmt.Sprintf("%d data parts", n)
}
