// Package provenance models the append-only action history kept for every
// record. Each entry describes one logical mutation; an update touching
// several data paths is one entry with one subaction per path.
//
// Logs are stored as newline-delimited JSON, oldest entry first.
package provenance

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"midas/internal/project/models"
	"midas/pkg/jsondoc"
)

// Type classifies an entry.
type Type string

const (
	TypeCreate  Type = "CREATE"
	TypePut     Type = "PUT"
	TypePatch   Type = "PATCH"
	TypeComment Type = "COMMENT"
	TypeDelete  Type = "DELETE"
	// TypeProcess covers workflow actions (submit, review, publish, state
	// overrides, deactivation); Object.name says which.
	TypeProcess Type = "PROCESS"
)

// Entry is one immutable provenance record.
type Entry struct {
	Type       Type          `json:"type"`
	Subject    string        `json:"subject"`
	Agent      *models.Agent `json:"agent,omitempty"`
	Message    string        `json:"message,omitempty"`
	Date       string        `json:"date,omitempty"`
	Timestamp  float64       `json:"timestamp,omitempty"`
	Object     *jsondoc.Doc  `json:"object,omitempty"`
	Subactions []Entry       `json:"subactions,omitempty"`
}

// New builds a top-level entry stamped at now. A nil object is omitted.
func New(typ Type, subject string, agent *models.Agent, message string, object jsondoc.Value, now time.Time) Entry {
	e := Entry{
		Type:      typ,
		Subject:   subject,
		Agent:     agent.Clone(),
		Message:   message,
		Timestamp: models.Epoch(now),
		Date:      models.FormatDate(models.Epoch(now)),
	}
	if object != nil {
		e.Object = &jsondoc.Doc{Value: jsondoc.Clone(object)}
	}
	return e
}

// Sub builds an unstamped subaction; it inherits agent and time from its parent.
func Sub(typ Type, subject, message string, object jsondoc.Value) Entry {
	e := Entry{Type: typ, Subject: subject, Message: message}
	if object != nil {
		e.Object = &jsondoc.Doc{Value: jsondoc.Clone(object)}
	}
	return e
}

// AddSubaction appends sub to e.
func (e *Entry) AddSubaction(sub Entry) {
	e.Subactions = append(e.Subactions, sub)
}

// Clone returns a deep copy of e, subactions included.
func (e Entry) Clone() Entry {
	out := e
	out.Agent = e.Agent.Clone()
	if e.Object != nil {
		out.Object = &jsondoc.Doc{Value: jsondoc.Clone(e.Object.Value)}
	}
	if e.Subactions != nil {
		out.Subactions = make([]Entry, len(e.Subactions))
		for i, sub := range e.Subactions {
			out.Subactions[i] = sub.Clone()
		}
	}
	return out
}

// ObjectValue returns the entry's object, or nil.
func (e Entry) ObjectValue() jsondoc.Value {
	if e.Object == nil {
		return nil
	}
	return e.Object.Value
}

// ProcessName returns Object.name for PROCESS entries.
func (e Entry) ProcessName() string {
	obj, ok := e.ObjectValue().(*jsondoc.Object)
	if !ok {
		return ""
	}
	name, _ := obj.Get("name")
	if s, ok := name.(jsondoc.String); ok {
		return string(s)
	}
	return ""
}

// RecordID strips the "#part" fragment from the subject.
func (e Entry) RecordID() string {
	id, _, _ := strings.Cut(e.Subject, "#")
	return id
}

// Process builds the object of a PROCESS entry.
func Process(name string, extra ...jsondoc.Pair) *jsondoc.Object {
	return jsondoc.NewObject(append([]jsondoc.Pair{jsondoc.P("name", jsondoc.String(name))}, extra...)...)
}

// PartSubject names a sub-part of a record, e.g. "mdm1:0001#acls.read".
func PartSubject(id, part string) string {
	if part == "" {
		return id
	}
	return id + "#" + part
}

// DataSubject names a data path of a record, e.g. "mdm1:0001#data.pos.x".
func DataSubject(id string, p jsondoc.Path) string {
	if p.IsRoot() {
		return PartSubject(id, "data")
	}
	return PartSubject(id, "data."+p.Dotted())
}

// Encode renders e as a single NDJSON line, newline included.
func Encode(e Entry) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode provenance entry: %w", err)
	}
	return append(line, '\n'), nil
}

// maxLine bounds one encoded entry; data payloads ride in Object.
const maxLine = 16 << 20

// Decode reads NDJSON entries, skipping blank lines.
func Decode(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	var out []Entry
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode provenance line %d: %w", lineNo, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read provenance log: %w", err)
	}
	return out, nil
}

// Last returns the most recent entry.
func Last(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}
