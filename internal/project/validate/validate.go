// Package validate gates submission on the content of a record.
package validate

import (
	"context"
	"errors"
	"fmt"

	"midas/internal/project/models"
	"midas/pkg/jsondoc"
)

// Report lists what a record still lacks. An empty report passes.
type Report struct {
	Failures []string
}

// OK reports whether the record passed.
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// Validator checks a record before it is submitted. The returned error is
// reserved for the validator itself failing; content problems go in the Report.
type Validator interface {
	Validate(ctx context.Context, rec *models.ProjectRecord) (Report, error)
}

// RequiredPaths fails records whose data lacks any of the listed paths, or
// holds null or an empty string there.
type RequiredPaths struct {
	paths []jsondoc.Path
}

func NewRequiredPaths(paths ...string) (*RequiredPaths, error) {
	v := &RequiredPaths{}
	for _, raw := range paths {
		p, err := jsondoc.ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("required path %q: %w", raw, err)
		}
		if p.IsRoot() {
			return nil, fmt.Errorf("required path cannot be the root")
		}
		v.paths = append(v.paths, p)
	}
	return v, nil
}

func (v *RequiredPaths) Validate(_ context.Context, rec *models.ProjectRecord) (Report, error) {
	var rep Report
	for _, p := range v.paths {
		val, err := jsondoc.Get(rec.Data, p)
		switch {
		case errors.Is(err, jsondoc.ErrPathNotFound), errors.Is(err, jsondoc.ErrNotAccessible):
			rep.Failures = append(rep.Failures, "missing required property: "+p.String())
		case err != nil:
			return Report{}, err
		case isBlank(val):
			rep.Failures = append(rep.Failures, "empty required property: "+p.String())
		}
	}
	return rep, nil
}

func isBlank(v jsondoc.Value) bool {
	switch t := v.(type) {
	case nil, jsondoc.Null:
		return true
	case jsondoc.String:
		return t == ""
	}
	return false
}

// All runs every validator and concatenates their reports.
type All []Validator

func (a All) Validate(ctx context.Context, rec *models.ProjectRecord) (Report, error) {
	var rep Report
	for _, v := range a {
		r, err := v.Validate(ctx, rec)
		if err != nil {
			return Report{}, err
		}
		rep.Failures = append(rep.Failures, r.Failures...)
	}
	return rep, nil
}
