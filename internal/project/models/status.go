package models

import (
	"encoding/json"
	"slices"
	"sort"
	"time"

	dErrors "midas/pkg/domain-errors"
)

// State is a record's workflow state.
type State string

const (
	StateEdit       State = "edit"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateSubmitted  State = "submitted"
	StateAccepted   State = "accepted"
	StateInPress    State = "in press"
	StatePublished  State = "published"
	StateUnwell     State = "unwell"
)

// KnownStates lists every state SetState accepts without force.
var KnownStates = []State{
	StateEdit, StateProcessing, StateReady, StateSubmitted,
	StateAccepted, StateInPress, StatePublished, StateUnwell,
}

// transitions holds the designed edges of the workflow. SetState with force
// is the only way onto any other edge.
var transitions = map[State][]State{
	StateEdit:       {StateSubmitted, StateAccepted, StateUnwell, StateReady, StateProcessing},
	StateProcessing: {StateReady, StateEdit},
	StateReady:      {StateSubmitted, StateAccepted, StateEdit, StateProcessing},
	StateSubmitted:  {StateAccepted, StateUnwell, StateEdit},
	StateAccepted:   {StatePublished, StateInPress},
	StateInPress:    {StatePublished},
	StateUnwell:     {StateEdit},
	StatePublished:  {StateEdit},
}

func (s State) Known() bool {
	return slices.Contains(KnownStates, s)
}

// Editable reports whether author edits to data and meta are allowed.
func (s State) Editable() bool {
	return s == StateEdit || s == StateReady
}

// CanTransitionTo reports whether to is a designed successor of s.
func (s State) CanTransitionTo(to State) bool {
	return slices.Contains(transitions[s], to)
}

// ParseState validates an administrative state name. With force any
// non-empty string is accepted; this is an operational escape hatch for
// recovery, not part of the workflow.
func ParseState(name string, force bool) (State, error) {
	if name == "" {
		return "", dErrors.New(dErrors.CodeInvalidUpdate, "state cannot be empty")
	}
	st := State(name)
	if !force && !st.Known() {
		return "", dErrors.Newf(dErrors.CodeInvalidUpdate, "unrecognized state %q", name)
	}
	return st, nil
}

// Action names recorded in status.action.
const (
	ActionCreate     = "create"
	ActionPatch      = "patch"
	ActionPut        = "put"
	ActionDelete     = "delete"
	ActionComment    = "comment"
	ActionReassign   = "reassign"
	ActionRename     = "rename"
	ActionACL        = "acl"
	ActionFinalize   = "finalize"
	ActionSubmit     = "submit"
	ActionReview     = "review"
	ActionApprove    = "approve"
	ActionPublish    = "publish"
	ActionSetState   = "setstate"
	ActionDeactivate = "deactivate"
	ActionReactivate = "reactivate"
	ActionPurge      = "purge"
)

// Review phases with meaning to the broker; systems may report others.
const (
	PhaseRequested = "requested"
	PhaseApproved  = "approved"
)

// Feedback is one reviewer comment relayed by a review system.
type Feedback struct {
	Reviewer    string `json:"reviewer,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description"`
}

// ReviewPhase is the latest report of one external review system.
type ReviewPhase struct {
	Phase    string     `json:"phase"`
	ID       string     `json:"id,omitempty"`
	Feedback []Feedback `json:"feedback,omitempty"`
	Modified float64    `json:"modified"`
}

// Status tracks where a record is in its workflow. Action and Message cache
// the most recent provenance entry.
type Status struct {
	State       State                  `json:"state"`
	Action      string                 `json:"action"`
	Message     string                 `json:"message"`
	Since       float64                `json:"since"`
	Modified    float64                `json:"modified"`
	Created     float64                `json:"created"`
	ByWho       string                 `json:"byWho,omitempty"`
	PublishedAs string                 `json:"published_as,omitempty"`
	LastVersion string                 `json:"last_version,omitempty"`
	Reviews     map[string]ReviewPhase `json:"external_review,omitempty"`
}

// NewStatus returns the status of a freshly created draft.
func NewStatus(now time.Time) Status {
	ts := Epoch(now)
	return Status{State: StateEdit, Since: ts, Modified: ts, Created: ts}
}

// Act records the latest action taken on the record.
func (s *Status) Act(action, message, who string, now time.Time) {
	s.Action = action
	s.Message = message
	s.ByWho = who
	s.Modified = Epoch(now)
}

// CanTransition reports whether the workflow permits moving to to.
func (s *Status) CanTransition(to State) error {
	if !s.State.CanTransitionTo(to) {
		return dErrors.Newf(dErrors.CodeNotEditable, "record in state %q cannot move to %q", s.State, to)
	}
	return nil
}

// ApplyState moves to the given state. Call CanTransition first unless this
// is an administrative override.
func (s *Status) ApplyState(to State, now time.Time) {
	if s.State != to {
		s.Since = Epoch(now)
	}
	s.State = to
	s.Modified = Epoch(now)
}

// SetReviewPhase stores system's latest report without touching other systems.
func (s *Status) SetReviewPhase(system, phase, reviewID string, feedback []Feedback, now time.Time) {
	if s.Reviews == nil {
		s.Reviews = make(map[string]ReviewPhase)
	}
	prev := s.Reviews[system]
	if reviewID == "" {
		reviewID = prev.ID
	}
	if feedback == nil {
		feedback = prev.Feedback
	}
	s.Reviews[system] = ReviewPhase{
		Phase:    phase,
		ID:       reviewID,
		Feedback: slices.Clone(feedback),
		Modified: Epoch(now),
	}
}

// ClearReviews forgets every review system's phase, e.g. before a resubmission.
func (s *Status) ClearReviews() {
	s.Reviews = nil
}

// ReviewPhaseOf returns the latest phase reported by system.
func (s Status) ReviewPhaseOf(system string) (ReviewPhase, bool) {
	rp, ok := s.Reviews[system]
	return rp, ok
}

// AllApproved reports whether every named system has reported approval. An
// empty list is never approved: acceptance without review is a policy
// decision made by the caller.
func (s Status) AllApproved(systems []string) bool {
	if len(systems) == 0 {
		return false
	}
	for _, name := range systems {
		if s.Reviews[name].Phase != PhaseApproved {
			return false
		}
	}
	return true
}

// ReviewSystems lists the systems with a recorded phase, sorted.
func (s Status) ReviewSystems() []string {
	names := make([]string, 0, len(s.Reviews))
	for name := range s.Reviews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Status) Clone() Status {
	out := s
	if s.Reviews != nil {
		out.Reviews = make(map[string]ReviewPhase, len(s.Reviews))
		for k, v := range s.Reviews {
			v.Feedback = slices.Clone(v.Feedback)
			out.Reviews[k] = v
		}
	}
	return out
}

// MarshalJSON adds the derived date strings next to the epoch values.
func (s Status) MarshalJSON() ([]byte, error) {
	type wire Status
	return json.Marshal(struct {
		wire
		CreatedDate  string `json:"createdDate"`
		ModifiedDate string `json:"modifiedDate"`
		SinceDate    string `json:"sinceDate"`
	}{
		wire:         wire(s),
		CreatedDate:  FormatDate(s.Created),
		ModifiedDate: FormatDate(s.Modified),
		SinceDate:    FormatDate(s.Since),
	})
}

// Epoch converts t to fractional epoch seconds.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpoch converts fractional epoch seconds to a UTC time.
func FromEpoch(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// FormatDate renders an epoch timestamp as an ISO-8601 UTC string, or
// "pending" for unset times.
func FormatDate(ts float64) string {
	if ts <= 0 {
		return "pending"
	}
	return FromEpoch(ts).Format(time.RFC3339)
}
