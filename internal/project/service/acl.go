package service

import (
	"context"
	"strings"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	"midas/pkg/requestcontext"
)

// GrantPerm adds actors to the record's perm list. It returns false when
// every actor already held it.
func (s *Service) GrantPerm(ctx context.Context, agent *models.Agent, id string, perm models.Permission, actors ...string) (bool, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return false, err
	}
	if err := checkActors(actors); err != nil {
		return false, err
	}
	changed, err := rec.GrantPermTo(perm, actors...)
	if err != nil || !changed {
		return false, err
	}
	return true, s.commitACL(ctx, agent, rec, perm, "granted "+string(perm)+" to "+strings.Join(actors, ", "))
}

// RevokePerm removes actors from the record's perm list. With protectOwner
// the owner's own entry survives.
func (s *Service) RevokePerm(ctx context.Context, agent *models.Agent, id string, perm models.Permission, actors []string, protectOwner bool) (bool, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return false, err
	}
	if err := checkActors(actors); err != nil {
		return false, err
	}
	requester := agent.Actor
	if s.isSuperuser(agent) {
		requester = rec.Owner
	}
	var changed bool
	for _, actor := range actors {
		c, err := rec.RevokePermFrom(perm, actor, requester, protectOwner)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	if !changed {
		return false, nil
	}
	return true, s.commitACL(ctx, agent, rec, perm, "revoked "+string(perm)+" from "+strings.Join(actors, ", "))
}

// RevokePermFromAll empties the record's perm list.
func (s *Service) RevokePermFromAll(ctx context.Context, agent *models.Agent, id string, perm models.Permission, protectOwner bool) (bool, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return false, err
	}
	changed, err := rec.RevokePermFromAll(perm, protectOwner)
	if err != nil || !changed {
		return false, err
	}
	return true, s.commitACL(ctx, agent, rec, perm, "revoked "+string(perm)+" from all")
}

// PermittedActors lists who holds perm, owner first.
func (s *Service) PermittedActors(ctx context.Context, agent *models.Agent, id string, perm models.Permission) ([]string, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermRead)
	if err != nil {
		return nil, err
	}
	if _, err := models.ParsePermission(string(perm)); err != nil {
		return nil, err
	}
	if perm == models.PermOwn {
		return []string{rec.Owner}, nil
	}
	return rec.PermGranted(perm), nil
}

func (s *Service) commitACL(ctx context.Context, agent *models.Agent, rec *models.ProjectRecord, perm models.Permission, message string) error {
	now := requestcontext.Now(ctx)
	rec.Touch(now)
	rec.Status.Act(models.ActionACL, message, agent.Actor, now)

	granted := rec.ACLs.Granted(perm)
	list := make(jsondoc.Array, len(granted))
	for i, id := range granted {
		list[i] = jsondoc.String(id)
	}
	entry := provenance.New(provenance.TypePatch, provenance.PartSubject(rec.ID, "acls."+string(perm)), agent, message, list, now)
	return s.commit(ctx, agent, rec, entry, "acl_changed")
}

func checkActors(actors []string) error {
	if len(actors) == 0 {
		return dErrors.New(dErrors.CodeInvalidUpdate, "at least one actor is required")
	}
	for _, a := range actors {
		if strings.TrimSpace(a) == "" {
			return dErrors.New(dErrors.CodeInvalidUpdate, "actor ids cannot be empty")
		}
	}
	return nil
}
