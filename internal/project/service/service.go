// Package service is the record broker: every read and mutation of a
// project record goes through it, so ACLs, workflow rules and provenance are
// applied in one place regardless of the backend.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"midas/internal/project/metrics"
	"midas/internal/project/minter"
	"midas/internal/project/models"
	"midas/internal/project/notifier"
	"midas/internal/project/provenance"
	"midas/internal/project/review"
	"midas/internal/project/store"
	"midas/internal/project/validate"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	"midas/pkg/platform/sentinel"
	"midas/pkg/requestcontext"
)

// RecordStore is the backend contract. memory, fsbased, postgres and redis
// all implement it.
type RecordStore interface {
	CreateRecord(ctx context.Context, coll, id, name, owner string, defaults models.ACLs, now time.Time) (*models.ProjectRecord, error)
	GetRecordFor(ctx context.Context, coll, idOrName, owner string) (*models.ProjectRecord, error)
	NameExists(ctx context.Context, coll, name, owner string) (bool, error)
	Save(ctx context.Context, coll string, rec *models.ProjectRecord) error
	Delete(ctx context.Context, coll, id string) error
	NextSequenceFor(ctx context.Context, shoulder string) (int, error)
	SelectRecords(ctx context.Context, coll string, f store.Filter) ([]*models.ProjectRecord, error)
	AppendAction(ctx context.Context, coll string, e provenance.Entry) error
	ActionsFor(ctx context.Context, coll, id string) ([]provenance.Entry, error)
	Ping(ctx context.Context) error
}

// ReviewGroup is the group whose members may report external review results.
const ReviewGroup = "review"

// DefaultArkNAAN is used when building ARK identifiers during finalization.
const DefaultArkNAAN = "88434"

// Config is the per-collection broker policy.
type Config struct {
	// Collection names the record collection, e.g. "dmp" or "dap".
	Collection string
	Shoulders  minter.Policy
	// Superusers bypass every ACL check.
	Superusers []string
	// DefaultPerms are granted on every new record after the owner.
	DefaultPerms models.ACLs
	// AutoAcceptWithoutReview accepts submissions outright when no review
	// system is configured; otherwise they wait in submitted.
	AutoAcceptWithoutReview bool
	// ArkNAAN is the ARK authority used for finalized identifiers.
	ArkNAAN string
}

// Service is the record broker for one collection.
type Service struct {
	store      RecordStore
	coll       string
	minter     *minter.Minter
	superusers []string
	defaults   models.ACLs
	autoAccept bool
	arkNAAN    string

	systems   []review.System
	validator validate.Validator
	notifier  notifier.Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithNotifier(n notifier.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithValidator(v validate.Validator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithReviewSystems sets the systems every submission goes to.
func WithReviewSystems(systems ...review.System) Option {
	return func(s *Service) {
		s.systems = append(s.systems, systems...)
	}
}

// New constructs a Service. Configuration problems are reported here, before
// any operation runs.
func New(records RecordStore, cfg Config, opts ...Option) (*Service, error) {
	if records == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "record store is required")
	}
	if cfg.Collection == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration, "collection is required")
	}
	m, err := minter.New(records, cfg.Shoulders)
	if err != nil {
		return nil, err
	}
	defaults := cfg.DefaultPerms.Clone()
	defaults.Normalize()

	s := &Service{
		store:      records,
		coll:       cfg.Collection,
		minter:     m,
		superusers: slices.Clone(cfg.Superusers),
		defaults:   defaults,
		autoAccept: cfg.AutoAcceptWithoutReview,
		arkNAAN:    cfg.ArkNAAN,
	}
	if s.arkNAAN == "" {
		s.arkNAAN = DefaultArkNAAN
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := map[string]bool{}
	for _, sys := range s.systems {
		if sys == nil {
			return nil, dErrors.New(dErrors.CodeConfiguration, "review system cannot be nil")
		}
		if seen[sys.Name()] {
			return nil, dErrors.Newf(dErrors.CodeConfiguration, "review system %q configured twice", sys.Name())
		}
		seen[sys.Name()] = true
	}
	return s, nil
}

// Collection returns the collection this broker serves.
func (s *Service) Collection() string {
	return s.coll
}

// Ping checks the backend.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "record store unreachable")
	}
	return nil
}

func (s *Service) systemNames() []string {
	names := make([]string, len(s.systems))
	for i, sys := range s.systems {
		names[i] = sys.Name()
	}
	return names
}

func (s *Service) isSuperuser(agent *models.Agent) bool {
	return slices.Contains(s.superusers, agent.Actor)
}

func requireAgent(agent *models.Agent) error {
	if agent == nil || agent.Actor == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "an identified agent is required")
	}
	return nil
}

// authorize fails unless agent holds perm on rec, directly, through a group,
// through the public group, or as a superuser.
func (s *Service) authorize(ctx context.Context, agent *models.Agent, rec *models.ProjectRecord, perm models.Permission) error {
	if s.isSuperuser(agent) || rec.Authorized(perm, agent.Identities()...) {
		return nil
	}
	s.denied(ctx, agent, rec.ID, string(perm))
	return dErrors.Newf(dErrors.CodeForbidden, "%s is not authorized to %s %s", agent.Actor, perm, rec.ID)
}

func (s *Service) denied(ctx context.Context, agent *models.Agent, id, perm string) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "not_authorized",
			"actor", agent.Actor,
			"record_id", id,
			"perm", perm,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	if s.metrics != nil {
		s.metrics.IncrementAuthzDenied(perm)
	}
}

// load fetches a record by id, or by the agent's own active record name.
func (s *Service) load(ctx context.Context, agent *models.Agent, idOrName string) (*models.ProjectRecord, error) {
	if err := requireAgent(agent); err != nil {
		return nil, err
	}
	if idOrName == "" {
		return nil, dErrors.New(dErrors.CodeInvalidUpdate, "record id is required")
	}
	rec, err := s.store.GetRecordFor(ctx, s.coll, idOrName, agent.Actor)
	if err != nil {
		return nil, wrapStoreErr(err, "record "+idOrName)
	}
	return rec, nil
}

// loadFor is load plus a permission check.
func (s *Service) loadFor(ctx context.Context, agent *models.Agent, id string, perm models.Permission) (*models.ProjectRecord, error) {
	rec, err := s.load(ctx, agent, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, agent, rec, perm); err != nil {
		return nil, err
	}
	return rec, nil
}

// commit saves rec, appends its provenance entry, then notifies. A failed
// notification is logged and does not fail the call.
func (s *Service) commit(ctx context.Context, agent *models.Agent, rec *models.ProjectRecord, entry provenance.Entry, event string) error {
	if err := s.store.Save(ctx, s.coll, rec); err != nil {
		return wrapStoreErr(err, "save "+rec.ID)
	}
	if err := s.store.AppendAction(ctx, s.coll, entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record provenance for "+rec.ID)
	}
	s.notify(ctx, agent, rec, event)
	s.logAudit(ctx, event,
		"record_id", rec.ID,
		"actor", agent.Actor,
		"state", string(rec.Status.State),
	)
	return nil
}

func (s *Service) notify(ctx context.Context, agent *models.Agent, rec *models.ProjectRecord, event string) {
	if s.notifier == nil {
		return
	}
	e := notifier.NewEvent(event, s.coll, rec.ID, agent.Actor, requestcontext.Now(ctx))
	e.State = string(rec.Status.State)
	e.Message = rec.Status.Message
	if err := s.notifier.Notify(ctx, e); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "notify_failed", "record_id", rec.ID, "event", event, "error", err)
	}
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if s.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	if client := requestcontext.Client(ctx); client != "" {
		attributes = append(attributes, "client", client)
	}
	args := append(attributes, "event", event, "collection", s.coll, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, start)
	}
}

func (s *Service) transitioned(from, to models.State) {
	if s.metrics != nil && from != to {
		s.metrics.IncrementStateTransition(string(to))
	}
}

// wrapStoreErr translates backend sentinels into coded errors. Errors that
// already carry a code pass through.
func wrapStoreErr(err error, what string) error {
	var coded *dErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+": not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, what+": name already in use")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, what+": id already exists")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, what+": backend unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, what+": backend failure")
	}
}

// wrapPathErr translates data-path failures.
func wrapPathErr(err error, id string, p jsondoc.Path) error {
	where := fmt.Sprintf("%s data/%s", id, p)
	switch {
	case errors.Is(err, jsondoc.ErrPathNotFound):
		return dErrors.New(dErrors.CodeNotFound, where+": no such part")
	case errors.Is(err, jsondoc.ErrNotAccessible):
		return dErrors.New(dErrors.CodePartNotAccessible, where+": part is not accessible")
	case errors.Is(err, jsondoc.ErrBadPath):
		return dErrors.New(dErrors.CodeInvalidUpdate, where+": malformed path")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, where)
	}
}

func parsePart(id, part string) (jsondoc.Path, error) {
	p, err := jsondoc.ParsePath(part)
	if err != nil {
		return nil, wrapPathErr(err, id, jsondoc.Path{part})
	}
	return p, nil
}
