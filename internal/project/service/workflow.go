package service

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/review"
	"midas/internal/project/validate"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	"midas/pkg/requestcontext"
)

var _ review.Callback = (*Service)(nil)

// InitialVersion is assigned the first time a record is finalized.
const InitialVersion = "1.0.0"

// SubmitOptions carries what the review systems are told on submission.
type SubmitOptions struct {
	Reviewers      []string
	Instructions   []string
	Changes        []string
	SecurityReview bool
}

// Finalize stamps the record's data with its version and ARK identifier and
// checks it is complete, leaving it ready for submission. A record that
// fails validation goes back to edit with the failures in its message.
func (s *Service) Finalize(ctx context.Context, agent *models.Agent, id, message string) (models.Status, error) {
	defer s.observe("finalize", time.Now())
	rec, err := s.loadEditable(ctx, agent, id)
	if err != nil {
		return models.Status{}, err
	}
	now := requestcontext.Now(ctx)
	from := rec.Status.State
	rec.Status.ApplyState(models.StateProcessing, now)

	if err := s.finalizeData(rec); err != nil {
		return models.Status{}, err
	}
	rep, err := s.validateRecord(ctx, rec)
	if err != nil {
		return models.Status{}, err
	}

	to := models.StateReady
	if !rep.OK() {
		to = models.StateEdit
		message = "finalization failed: " + strings.Join(rep.Failures, "; ")
	} else if message == "" {
		message = "finalized"
	}
	rec.Status.ApplyState(to, now)
	rec.Status.Act(models.ActionFinalize, message, agent.Actor, now)
	rec.Touch(now)

	entry := provenance.New(provenance.TypeProcess, rec.ID, agent, message,
		provenance.Process(models.ActionFinalize, jsondoc.P("state", jsondoc.String(to))), now)
	if err := s.commit(ctx, agent, rec, entry, "record_finalized"); err != nil {
		return models.Status{}, err
	}
	s.transitioned(from, to)
	if !rep.OK() {
		return rec.Status, dErrors.Newf(dErrors.CodeNotSubmittable, "record %s is incomplete", rec.ID).WithDetails(rep.Failures...)
	}
	return rec.Status, nil
}

// finalizeData fills in @version and @id on object data.
func (s *Service) finalizeData(rec *models.ProjectRecord) error {
	obj, ok := rec.Data.(*jsondoc.Object)
	if !ok {
		return dErrors.Newf(dErrors.CodeInvalidState, "record %s data is not an object", rec.ID)
	}
	obj = obj.Clone()
	version := ""
	if v, ok := obj.Get("@version"); ok {
		if str, ok := v.(jsondoc.String); ok {
			version = string(str)
		}
	}
	switch {
	case strings.Contains(version, "+"):
		version, _, _ = strings.Cut(version, "+")
		version = strings.TrimSpace(version)
	case version == "" && rec.Status.LastVersion == "":
		version = InitialVersion
	case version == "" || version == rec.Status.LastVersion:
		version = nextVersion(rec.Status.LastVersion)
	}
	obj.Set("@version", jsondoc.String(version))
	if !obj.Has("@id") {
		obj.Set("@id", jsondoc.String(s.arkID(rec.ID)))
	}
	rec.Data = obj
	return nil
}

// arkID maps "mdm1:0001" to "ark:/<naan>/mdm1-0001".
func (s *Service) arkID(id string) string {
	return "ark:/" + s.arkNAAN + "/" + strings.Replace(id, ":", "-", 1)
}

// nextVersion bumps the minor field of a published version.
func nextVersion(last string) string {
	base, _, _ := strings.Cut(last, "+")
	parts := strings.Split(strings.TrimSpace(base), ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return base
	}
	parts[1] = strconv.Itoa(minor + 1)
	parts[2] = "0"
	return strings.Join(parts, ".")
}

func (s *Service) validateRecord(ctx context.Context, rec *models.ProjectRecord) (validate.Report, error) {
	if s.validator == nil {
		return validate.Report{}, nil
	}
	rep, err := s.validator.Validate(ctx, rec)
	if err != nil {
		return validate.Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "validation failed for "+rec.ID)
	}
	return rep, nil
}

// Submit finalizes the record and sends it to every configured review
// system. If any system refuses, nothing is saved.
func (s *Service) Submit(ctx context.Context, agent *models.Agent, id, message string, opts SubmitOptions) (models.Status, error) {
	defer s.observe("submit", time.Now())
	rec, err := s.loadEditable(ctx, agent, id)
	if err != nil {
		return models.Status{}, err
	}
	if err := s.finalizeData(rec); err != nil {
		return models.Status{}, err
	}
	rep, err := s.validateRecord(ctx, rec)
	if err != nil {
		return models.Status{}, err
	}
	if !rep.OK() {
		return models.Status{}, dErrors.Newf(dErrors.CodeNotSubmittable, "record %s cannot be submitted", rec.ID).WithDetails(rep.Failures...)
	}

	acks, err := s.submitToSystems(ctx, agent, rec, opts)
	if err != nil {
		return models.Status{}, err
	}

	now := requestcontext.Now(ctx)
	from := rec.Status.State
	to := models.StateSubmitted
	rec.Status.ClearReviews()
	for name, ack := range acks {
		phase := ack.Phase
		if phase == "" {
			phase = models.PhaseRequested
		}
		rec.Status.SetReviewPhase(name, phase, ack.ReviewID, nil, now)
	}
	switch {
	case len(s.systems) == 0 && s.autoAccept:
		to = models.StateAccepted
	case len(s.systems) > 0 && rec.Status.AllApproved(s.systemNames()):
		to = models.StateAccepted
	}
	if message == "" {
		message = "submitted for review"
	}
	rec.Status.ApplyState(to, now)
	rec.Status.Act(models.ActionSubmit, message, agent.Actor, now)
	rec.Touch(now)

	entry := provenance.New(provenance.TypeProcess, rec.ID, agent, message,
		provenance.Process(models.ActionSubmit, jsondoc.P("state", jsondoc.String(to))), now)
	if err := s.commit(ctx, agent, rec, entry, "record_submitted"); err != nil {
		return models.Status{}, err
	}
	s.transitioned(from, to)
	return rec.Status, nil
}

func (s *Service) submitToSystems(ctx context.Context, agent *models.Agent, rec *models.ProjectRecord, opts SubmitOptions) (map[string]review.Ack, error) {
	if len(s.systems) == 0 {
		return nil, nil
	}
	req := review.SubmitRequest{
		RecordID:       rec.ID,
		Submitter:      agent.Actor,
		PubID:          rec.Status.PublishedAs,
		Version:        rec.Status.LastVersion,
		Reviewers:      slices.Clone(opts.Reviewers),
		Instructions:   slices.Clone(opts.Instructions),
		Changes:        slices.Clone(opts.Changes),
		SecurityReview: opts.SecurityReview,
	}
	acks := make([]review.Ack, len(s.systems))
	g, gctx := errgroup.WithContext(ctx)
	for i, sys := range s.systems {
		g.Go(func() error {
			ack, err := sys.Submit(gctx, req)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeUnavailable, "review system "+sys.Name()+" refused "+rec.ID)
			}
			acks[i] = ack
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "submit_failed", "record_id", rec.ID, "error", err)
		}
		return nil, err
	}
	out := make(map[string]review.Ack, len(acks))
	for i, sys := range s.systems {
		out[sys.Name()] = acks[i]
	}
	return out, nil
}

// ApplyExternalReview records a review system's latest phase for a
// submitted record. The record is accepted once every configured system
// reports approval.
func (s *Service) ApplyExternalReview(ctx context.Context, agent *models.Agent, id, system, phase, reviewID string, feedback []models.Feedback) (models.Status, error) {
	return s.reviewUpdate(ctx, agent, id, system, phase, reviewID, feedback, models.ActionReview)
}

// Approve records that system approved the record.
func (s *Service) Approve(ctx context.Context, agent *models.Agent, id, system, reviewID string) (models.Status, error) {
	return s.reviewUpdate(ctx, agent, id, system, models.PhaseApproved, reviewID, nil, models.ActionApprove)
}

// UpdatePhase is ApplyExternalReview without a review id.
func (s *Service) UpdatePhase(ctx context.Context, agent *models.Agent, id, system, phase string, feedback []models.Feedback) (models.Status, error) {
	return s.ApplyExternalReview(ctx, agent, id, system, phase, "", feedback)
}

func (s *Service) reviewUpdate(ctx context.Context, agent *models.Agent, id, system, phase, reviewID string, feedback []models.Feedback, action string) (models.Status, error) {
	defer s.observe("review", time.Now())
	rec, err := s.load(ctx, agent, id)
	if err != nil {
		return models.Status{}, err
	}
	if !s.mayReview(agent, rec) {
		s.denied(ctx, agent, rec.ID, "review")
		return models.Status{}, dErrors.Newf(dErrors.CodeForbidden, "%s may not report reviews of %s", agent.Actor, rec.ID)
	}
	if !slices.Contains(s.systemNames(), system) {
		return models.Status{}, dErrors.Newf(dErrors.CodeInvalidUpdate, "unknown review system %q", system)
	}
	if phase == "" {
		return models.Status{}, dErrors.New(dErrors.CodeInvalidUpdate, "review phase is required")
	}
	if rec.Status.State != models.StateSubmitted {
		return models.Status{}, dErrors.Newf(dErrors.CodeInvalidState, "record %s is not under review (state %q)", rec.ID, rec.Status.State)
	}

	now := requestcontext.Now(ctx)
	rec.Status.SetReviewPhase(system, phase, reviewID, feedback, now)
	message := system + " review: " + phase
	to := rec.Status.State
	if rec.Status.AllApproved(s.systemNames()) {
		to = models.StateAccepted
		message = "accepted after review"
	}
	rec.Status.ApplyState(to, now)
	rec.Status.Act(action, message, agent.Actor, now)
	rec.Touch(now)

	entry := provenance.New(provenance.TypeProcess, rec.ID, agent, message,
		provenance.Process(action,
			jsondoc.P("system", jsondoc.String(system)),
			jsondoc.P("phase", jsondoc.String(phase)),
		), now)
	if err := s.commit(ctx, agent, rec, entry, "record_reviewed"); err != nil {
		return models.Status{}, err
	}
	s.transitioned(models.StateSubmitted, to)
	return rec.Status, nil
}

func (s *Service) mayReview(agent *models.Agent, rec *models.ProjectRecord) bool {
	return s.isSuperuser(agent) ||
		agent.InGroup(ReviewGroup) ||
		rec.IsCurator(agent.Actor) ||
		rec.Authorized(models.PermAdmin, agent.Identities()...)
}

// Publish marks an accepted record as published under pubID. Empty pubID
// and version default to the finalized @id and @version in the data.
func (s *Service) Publish(ctx context.Context, agent *models.Agent, id, pubID, version string) (models.Status, error) {
	defer s.observe("publish", time.Now())
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return models.Status{}, err
	}
	if err := rec.Status.CanTransition(models.StatePublished); err != nil {
		return models.Status{}, err
	}
	if pubID == "" {
		pubID = dataString(rec.Data, "@id")
	}
	if version == "" {
		version = dataString(rec.Data, "@version")
	}
	if pubID == "" {
		pubID = s.arkID(rec.ID)
	}
	if version == "" {
		version = InitialVersion
	}

	now := requestcontext.Now(ctx)
	from := rec.Status.State
	rec.Status.PublishedAs = pubID
	rec.Status.LastVersion = version
	rec.Status.ApplyState(models.StatePublished, now)
	rec.Status.Act(models.ActionPublish, "published as "+pubID+" version "+version, agent.Actor, now)
	rec.Touch(now)

	entry := provenance.New(provenance.TypeProcess, rec.ID, agent, rec.Status.Message,
		provenance.Process(models.ActionPublish,
			jsondoc.P("pubid", jsondoc.String(pubID)),
			jsondoc.P("version", jsondoc.String(version)),
		), now)
	if err := s.commit(ctx, agent, rec, entry, "record_published"); err != nil {
		return models.Status{}, err
	}
	s.transitioned(from, models.StatePublished)
	return rec.Status, nil
}

func dataString(data jsondoc.Value, key string) string {
	obj, ok := data.(*jsondoc.Object)
	if !ok {
		return ""
	}
	v, _ := obj.Get(key)
	if str, ok := v.(jsondoc.String); ok {
		return string(str)
	}
	return ""
}

// SetState moves the record to state regardless of the workflow edges. With
// force any non-empty state name is accepted.
func (s *Service) SetState(ctx context.Context, agent *models.Agent, id, state, message string, force bool) (models.Status, error) {
	rec, err := s.loadFor(ctx, agent, id, models.PermAdmin)
	if err != nil {
		return models.Status{}, err
	}
	to, err := models.ParseState(state, force)
	if err != nil {
		return models.Status{}, err
	}
	if message == "" {
		message = "state set to " + string(to)
	}
	now := requestcontext.Now(ctx)
	from := rec.Status.State
	rec.Status.ApplyState(to, now)
	rec.Status.Act(models.ActionSetState, message, agent.Actor, now)
	rec.Touch(now)

	entry := provenance.New(provenance.TypeProcess, rec.ID, agent, message,
		provenance.Process(models.ActionSetState,
			jsondoc.P("from", jsondoc.String(from)),
			jsondoc.P("to", jsondoc.String(to)),
			jsondoc.P("force", jsondoc.Bool(force)),
		), now)
	if err := s.commit(ctx, agent, rec, entry, "state_overridden"); err != nil {
		return models.Status{}, err
	}
	s.transitioned(from, to)
	return rec.Status, nil
}

// UpdateStatusMessage replaces the status message without other changes.
func (s *Service) UpdateStatusMessage(ctx context.Context, agent *models.Agent, id, message string) (models.Status, error) {
	rec, err := s.loadEditable(ctx, agent, id)
	if err != nil {
		return models.Status{}, err
	}
	now := requestcontext.Now(ctx)
	rec.Status.Act(models.ActionComment, message, agent.Actor, now)
	rec.Touch(now)

	entry := provenance.New(provenance.TypeComment, rec.ID, agent, message, nil, now)
	if err := s.commit(ctx, agent, rec, entry, "status_commented"); err != nil {
		return models.Status{}, err
	}
	return rec.Status, nil
}
