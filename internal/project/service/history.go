package service

import (
	"context"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	dErrors "midas/pkg/domain-errors"
)

// History returns the record's provenance, oldest first.
func (s *Service) History(ctx context.Context, agent *models.Agent, id string) ([]provenance.Entry, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermRead)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ActionsFor(ctx, s.coll, rec.ID)
	if err != nil {
		return nil, wrapStoreErr(err, "history of "+rec.ID)
	}
	return entries, nil
}

// LastAction returns the newest provenance entry.
func (s *Service) LastAction(ctx context.Context, agent *models.Agent, id string) (provenance.Entry, error) {
	entries, err := s.History(ctx, agent, id)
	if err != nil {
		return provenance.Entry{}, err
	}
	last, ok := provenance.Last(entries)
	if !ok {
		return provenance.Entry{}, dErrors.Newf(dErrors.CodeNotFound, "no recorded actions for %s", id)
	}
	return last, nil
}
