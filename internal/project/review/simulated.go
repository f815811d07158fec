package review

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"midas/internal/project/models"
)

// SimulatedName is the default name of the simulated system.
const SimulatedName = "simulated"

type simReview struct {
	id        string
	submitter string
	phase     string
	feedback  []models.Feedback
}

// Simulated stands in for a real review system in development and tests.
// It remembers every submission and, when given a callback, reports phase
// changes to the broker the way a real system would.
type Simulated struct {
	name        string
	autoApprove bool

	callback Callback
	agent    *models.Agent

	mu      sync.Mutex
	reviews map[string]*simReview
}

// SimulatedOption configures a Simulated system.
type SimulatedOption func(*Simulated)

// WithSystemName replaces the default system name.
func WithSystemName(name string) SimulatedOption {
	return func(s *Simulated) {
		if name != "" {
			s.name = name
		}
	}
}

// WithAutoApprove makes every submission start out approved.
func WithAutoApprove(on bool) SimulatedOption {
	return func(s *Simulated) {
		s.autoApprove = on
	}
}

// WithCallback makes Update and Approve report to cb, acting as agent.
func WithCallback(cb Callback, agent *models.Agent) SimulatedOption {
	return func(s *Simulated) {
		s.callback = cb
		s.agent = agent
	}
}

func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{name: SimulatedName, reviews: make(map[string]*simReview)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetCallback wires the broker after construction, for when the broker is
// built from the system list.
func (s *Simulated) SetCallback(cb Callback, agent *models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
	s.agent = agent
}

func (s *Simulated) Name() string {
	return s.name
}

// Submit opens a review. A record still under review (not yet approved) is refused.
func (s *Simulated) Submit(ctx context.Context, req SubmitRequest) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.reviews[req.RecordID]; ok && prev.phase != models.PhaseApproved {
		return Ack{}, fmt.Errorf("%s: record %s: %w", s.name, req.RecordID, ErrAlreadyUnderReview)
	}
	r := &simReview{
		id:        "sim:" + uuid.NewString(),
		submitter: req.Submitter,
		phase:     models.PhaseRequested,
	}
	if s.autoApprove {
		r.phase = models.PhaseApproved
	}
	s.reviews[req.RecordID] = r
	return Ack{Phase: r.phase, ReviewID: r.id}, nil
}

// Update moves the review to phase, replacing its feedback when any is given.
func (s *Simulated) Update(ctx context.Context, recordID, phase string, feedback []models.Feedback) error {
	reviewID := s.set(recordID, phase, feedback)
	cb, agent := s.target()
	if cb == nil {
		return nil
	}
	_, err := cb.ApplyExternalReview(ctx, agent, recordID, s.name, phase, reviewID, feedback)
	return err
}

func (s *Simulated) Approve(ctx context.Context, recordID string) error {
	reviewID := s.set(recordID, models.PhaseApproved, nil)
	cb, agent := s.target()
	if cb == nil {
		return nil
	}
	_, err := cb.Approve(ctx, agent, recordID, s.name, reviewID)
	return err
}

// Phase returns the simulated system's view of a record's review.
func (s *Simulated) Phase(recordID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[recordID]
	if !ok {
		return "", false
	}
	return r.phase, true
}

// Feedback returns the feedback last recorded for a record.
func (s *Simulated) Feedback(recordID string) []models.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reviews[recordID]; ok {
		return slices.Clone(r.feedback)
	}
	return nil
}

func (s *Simulated) set(recordID, phase string, feedback []models.Feedback) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[recordID]
	if !ok {
		r = &simReview{id: "sim:" + uuid.NewString(), submitter: "nobody"}
		s.reviews[recordID] = r
	}
	r.phase = phase
	if feedback != nil {
		r.feedback = slices.Clone(feedback)
	}
	return r.id
}

func (s *Simulated) target() (Callback, *models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callback, s.agent
}
