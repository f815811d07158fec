package models

import (
	"slices"

	dErrors "midas/pkg/domain-errors"
)

// ActorType distinguishes people from automated callers.
type ActorType string

const (
	ActorUser ActorType = "user"
	ActorAuto ActorType = "auto"
)

// Agent identifies who is acting and through which tool. It is produced by
// the authentication layer and treated as read-only here.
type Agent struct {
	Vehicle   string    `json:"vehicle"`
	Actor     string    `json:"actor"`
	Type      ActorType `json:"type"`
	Class     string    `json:"class"`
	Groups    []string  `json:"groups,omitempty"`
	Delegated []string  `json:"delegated,omitempty"`
}

// NewAgent builds an agent. Delegated lists the agents (outermost first)
// on whose behalf the vehicle is acting.
func NewAgent(vehicle string, actorType ActorType, actor, class string, delegated ...string) (*Agent, error) {
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "agent actor cannot be empty")
	}
	if actorType != ActorUser && actorType != ActorAuto {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "agent type must be user or auto")
	}
	return &Agent{
		Vehicle:   vehicle,
		Actor:     actor,
		Type:      actorType,
		Class:     class,
		Delegated: append([]string(nil), delegated...),
	}, nil
}

// WithGroups returns a copy of the agent that is a member of groups.
func (a *Agent) WithGroups(groups ...string) *Agent {
	out := a.Clone()
	out.Groups = append(out.Groups, groups...)
	return out
}

// InGroup reports membership in group.
func (a *Agent) InGroup(group string) bool {
	return a != nil && slices.Contains(a.Groups, group)
}

// Identities are the ids an ACL entry may name for this agent: the actor
// itself followed by its groups.
func (a *Agent) Identities() []string {
	if a == nil {
		return nil
	}
	return append([]string{a.Actor}, a.Groups...)
}

func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := *a
	out.Groups = append([]string(nil), a.Groups...)
	out.Delegated = append([]string(nil), a.Delegated...)
	return &out
}
