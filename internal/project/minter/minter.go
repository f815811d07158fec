// Package minter allocates record identifiers of the form
// "<shoulder>:<sequence>", zero-padded to four digits and growing wider
// rather than wrapping.
package minter

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"midas/internal/project/models"
	dErrors "midas/pkg/domain-errors"
)

var (
	idPattern       = regexp.MustCompile(`^[a-zA-Z0-9]+:[0-9]{4,}$`)
	shoulderPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	localIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// DefaultGroup is consulted when no group matches the agent's class.
const DefaultGroup = "default"

// SequenceSource hands out the next number for a shoulder; backends
// implement it with their own atomic counter primitive.
type SequenceSource interface {
	NextSequenceFor(ctx context.Context, shoulder string) (int, error)
}

// Group is the allocation policy for one class of client.
type Group struct {
	DefaultShoulder  string
	AllowedShoulders []string
}

// Policy decides which shoulder an agent mints under.
type Policy struct {
	// DefaultShoulder applies when the agent's group names none.
	DefaultShoulder string
	// Groups is keyed by agent class.
	Groups map[string]Group
	// LocalIDProviders are shoulders whose ids are derived from the record
	// name instead of a counter.
	LocalIDProviders []string
}

// Validate checks every configured shoulder's syntax.
func (p Policy) Validate() error {
	check := func(where, s string) error {
		if s != "" && !shoulderPattern.MatchString(s) {
			return dErrors.Newf(dErrors.CodeConfiguration, "%s: invalid shoulder %q", where, s)
		}
		return nil
	}
	if err := check("default_shoulder", p.DefaultShoulder); err != nil {
		return err
	}
	for name, g := range p.Groups {
		if err := check("clients."+name+".default_shoulder", g.DefaultShoulder); err != nil {
			return err
		}
		for _, s := range g.AllowedShoulders {
			if err := check("clients."+name+".allowed_shoulders", s); err != nil {
				return err
			}
		}
	}
	for _, s := range p.LocalIDProviders {
		if err := check("localid_providers", s); err != nil {
			return err
		}
	}
	return nil
}

// Minter combines a Policy with a backend's counter.
type Minter struct {
	seq    SequenceSource
	policy Policy
}

// New constructs a Minter; the policy must already be valid.
func New(seq SequenceSource, policy Policy) (*Minter, error) {
	if seq == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "sequence source is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Minter{seq: seq, policy: policy}, nil
}

func (m *Minter) group(agent *models.Agent) (Group, bool) {
	if agent != nil {
		if g, ok := m.policy.Groups[agent.Class]; ok {
			return g, true
		}
	}
	g, ok := m.policy.Groups[DefaultGroup]
	return g, ok
}

// Shoulder picks the shoulder for agent. A requested shoulder must be the
// group's default or appear in its allowed list. Without a request the
// group default applies, then the collection default; an agent with
// neither may not mint ids.
func (m *Minter) Shoulder(agent *models.Agent, requested string) (string, error) {
	g, hasGroup := m.group(agent)
	if requested != "" {
		if hasGroup && (requested == g.DefaultShoulder || slices.Contains(g.AllowedShoulders, requested)) {
			return requested, nil
		}
		if !hasGroup && requested == m.policy.DefaultShoulder {
			return requested, nil
		}
		return "", dErrors.Newf(dErrors.CodeForbidden, "not authorized to create records under shoulder %q", requested)
	}
	if hasGroup && g.DefaultShoulder != "" {
		return g.DefaultShoulder, nil
	}
	if m.policy.DefaultShoulder != "" {
		return m.policy.DefaultShoulder, nil
	}
	return "", dErrors.New(dErrors.CodeForbidden, "no shoulder is configured for this client")
}

// IsLocalIDProvider reports whether shoulder takes name-derived ids.
func (m *Minter) IsLocalIDProvider(shoulder string) bool {
	return slices.Contains(m.policy.LocalIDProviders, shoulder)
}

// Mint allocates the id for a new record named name under shoulder.
func (m *Minter) Mint(ctx context.Context, shoulder, name string) (string, error) {
	if !shoulderPattern.MatchString(shoulder) {
		return "", dErrors.Newf(dErrors.CodeInvalidUpdate, "invalid shoulder %q", shoulder)
	}
	if m.IsLocalIDProvider(shoulder) {
		if !localIDPattern.MatchString(name) {
			return "", dErrors.Newf(dErrors.CodeInvalidUpdate, "name %q cannot be used as a local id", name)
		}
		return shoulder + ":" + name, nil
	}
	n, err := m.seq.NextSequenceFor(ctx, shoulder)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to allocate sequence number")
	}
	return Format(shoulder, n), nil
}

// Format renders a minted id.
func Format(shoulder string, n int) string {
	return fmt.Sprintf("%s:%04d", shoulder, n)
}

// ValidID reports whether id has the minted form.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
