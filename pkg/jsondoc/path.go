package jsondoc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPathNotFound: a step names a missing key or an out-of-range index.
	ErrPathNotFound = errors.New("path not found")
	// ErrNotAccessible: a step descends into a scalar, or indexes an array
	// with something other than a non-negative integer.
	ErrNotAccessible = errors.New("part not accessible")
	// ErrBadPath: the path string has empty steps.
	ErrBadPath = errors.New("malformed path")
)

// Path addresses a node by its steps from the root. The empty path is the root.
type Path []string

// ParsePath splits a slash-delimited path such as "pos/vec/x". Leading and
// trailing slashes are ignored; empty inner steps are rejected.
func ParsePath(s string) (Path, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return Path{}, nil
	}
	steps := strings.Split(trimmed, "/")
	for i, step := range steps {
		if step == "" {
			return nil, &PathError{Path: Path(steps), Depth: i, Err: ErrBadPath}
		}
	}
	return Path(steps), nil
}

// MustPath is ParsePath for literals; it panics on error.
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Dotted renders the path with dots, as used in provenance subjects.
func (p Path) Dotted() string {
	return strings.Join(p, ".")
}

func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Overlaps reports whether one path is a prefix of the other, meaning a write
// to one would touch the other.
func Overlaps(a, b Path) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PathError reports the step at which a path could not be followed.
type PathError struct {
	Path  Path
	Depth int
	Err   error
}

func (e *PathError) Error() string {
	at := e.Path
	if e.Depth+1 <= len(e.Path) {
		at = e.Path[:e.Depth+1]
	}
	return fmt.Sprintf("%v: %q", e.Err, at.String())
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// arrayIndex accepts only plain decimal digits; signs and blanks are not indexes.
func arrayIndex(step string) (int, bool) {
	if step == "" {
		return 0, false
	}
	for _, r := range step {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(step)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Get returns the node at p.
func Get(root Value, p Path) (Value, error) {
	cur := root
	for i, step := range p {
		switch node := cur.(type) {
		case *Object:
			v, ok := node.Get(step)
			if !ok {
				return nil, &PathError{Path: p, Depth: i, Err: ErrPathNotFound}
			}
			cur = v
		case Array:
			idx, ok := arrayIndex(step)
			if !ok {
				return nil, &PathError{Path: p, Depth: i, Err: ErrNotAccessible}
			}
			if idx >= len(node) {
				return nil, &PathError{Path: p, Depth: i, Err: ErrPathNotFound}
			}
			cur = node[idx]
		default:
			return nil, &PathError{Path: p, Depth: i, Err: ErrNotAccessible}
		}
	}
	if cur == nil {
		return Null{}, nil
	}
	return cur, nil
}

// Mode selects how Set combines the new value with what is already at the path.
type Mode int

const (
	// Replace discards the existing node.
	Replace Mode = iota
	// MergePatch overlays the new value with Merge.
	MergePatch
)

// Set returns a copy of root with v written at p. Missing object steps are
// created as empty objects; array steps must name an existing element. root
// itself is never modified, so a failed Set leaves no partial change behind.
func Set(root Value, p Path, v Value, mode Mode) (Value, error) {
	return setAt(Clone(root), p, 0, v, mode)
}

func setAt(node Value, p Path, depth int, v Value, mode Mode) (Value, error) {
	if depth == len(p) {
		if mode == MergePatch {
			return Merge(node, v), nil
		}
		return Clone(v), nil
	}
	step := p[depth]
	switch n := node.(type) {
	case *Object:
		child, ok := n.Get(step)
		if !ok {
			if depth+1 < len(p) {
				child = NewObject()
			} else {
				child = nil
			}
		}
		updated, err := setAt(child, p, depth+1, v, mode)
		if err != nil {
			return nil, err
		}
		n.Set(step, updated)
		return n, nil
	case Array:
		idx, ok := arrayIndex(step)
		if !ok || idx >= len(n) {
			return nil, &PathError{Path: p, Depth: depth, Err: ErrNotAccessible}
		}
		updated, err := setAt(n[idx], p, depth+1, v, mode)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	default:
		return nil, &PathError{Path: p, Depth: depth, Err: ErrNotAccessible}
	}
}

// Delete returns a copy of root with the node at p removed. The root itself
// cannot be deleted.
func Delete(root Value, p Path) (Value, error) {
	if p.IsRoot() {
		return nil, &PathError{Path: p, Err: ErrBadPath}
	}
	out := Clone(root)
	parent, err := Get(out, p[:len(p)-1])
	if err != nil {
		return nil, err
	}
	last := p[len(p)-1]
	switch n := parent.(type) {
	case *Object:
		if !n.Delete(last) {
			return nil, &PathError{Path: p, Depth: len(p) - 1, Err: ErrPathNotFound}
		}
	case Array:
		idx, ok := arrayIndex(last)
		if !ok {
			return nil, &PathError{Path: p, Depth: len(p) - 1, Err: ErrNotAccessible}
		}
		if idx >= len(n) {
			return nil, &PathError{Path: p, Depth: len(p) - 1, Err: ErrPathNotFound}
		}
		trimmed := append(n[:idx:idx], n[idx+1:]...)
		if len(p) == 1 {
			return trimmed, nil
		}
		return Set(out, p[:len(p)-1], trimmed, Replace)
	default:
		return nil, &PathError{Path: p, Depth: len(p) - 1, Err: ErrNotAccessible}
	}
	return out, nil
}

// Merge overlays patch onto base. Where both are objects each patch key is
// merged recursively into base; anywhere else the patch value wins. Neither
// argument is modified.
func Merge(base, patch Value) Value {
	po, ok := patch.(*Object)
	if !ok || po == nil {
		return Clone(patch)
	}
	bo, ok := base.(*Object)
	if !ok {
		return po.Clone()
	}
	out := bo.Clone()
	for _, k := range po.keys {
		if bv, has := out.vals[k]; has {
			out.Set(k, Merge(bv, po.vals[k]))
			continue
		}
		out.Set(k, Clone(po.vals[k]))
	}
	return out
}
