// Package fsbased stores each record as one JSON file, guarded by advisory
// file locks so several processes can share a root directory.
//
// Layout under the root:
//
//	<coll>/<id>.json          the record
//	<coll>/prov/<id>.lis      its provenance log, one JSON entry per line
//	<coll>/.locks/<id>.lock   the record's lock (also serializes its log)
//	<coll>/.locks/.names.lock serializes name checks with creates and saves
//	nextnum/<shoulder>.json   the next sequence number to issue
package fsbased

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/store"
	"midas/pkg/platform/sentinel"
)

const (
	recordExt = ".json"
	provExt   = ".lis"
	lockDir   = ".locks"
	provDir   = "prov"
	countDir  = "nextnum"
	namesLock = ".names.lock"
)

// Store is the locked-file record backend.
type Store struct {
	root string
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("fsbased: root directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, countDir, lockDir), 0o755); err != nil {
		return nil, fmt.Errorf("fsbased: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the root directory.
func (s *Store) Root() string {
	return s.root
}

// safeName rejects names that would escape their directory or hide as dotfiles.
func safeName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%s %q cannot name a file: %w", kind, name, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *Store) collDir(coll string) (string, error) {
	if err := safeName("collection", coll); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, coll)
	for _, sub := range []string{lockDir, provDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create collection dir: %w", err)
		}
	}
	return dir, nil
}

func recordPath(dir, id string) string { return filepath.Join(dir, id+recordExt) }
func provPath(dir, id string) string   { return filepath.Join(dir, provDir, id+provExt) }
func lockPath(dir, id string) string   { return filepath.Join(dir, lockDir, id+".lock") }

func withLock(path string, exclusive bool, fn func() error) (err error) {
	unlock, err := lockFile(path, exclusive)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, unlock())
	}()
	return fn()
}

// writeFileAtomic replaces path via a same-directory temp file and rename, so
// a reader always sees either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, "."+base+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp, path)
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, werr)
	}
	return nil
}

func encodeRecord(rec *models.ProjectRecord) ([]byte, error) {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return append(raw, '\n'), nil
}

func readRecordFile(path string) (*models.ProjectRecord, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rec models.ProjectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", path, err, sentinel.ErrInvalidState)
	}
	return &rec, nil
}

func (s *Store) readRecord(dir, id string) (*models.ProjectRecord, error) {
	var rec *models.ProjectRecord
	err := withLock(lockPath(dir, id), false, func() error {
		var rerr error
		rec, rerr = readRecordFile(recordPath(dir, id))
		return rerr
	})
	return rec, err
}

// hasRecordFile reports whether idOrName names a record file. Names are
// only looked up by scanning, so they never get a lock file of their own.
func (s *Store) hasRecordFile(dir, idOrName string) bool {
	if safeName("record id", idOrName) != nil {
		return false
	}
	_, err := os.Stat(recordPath(dir, idOrName))
	return err == nil
}

func (s *Store) writeRecord(dir string, rec *models.ProjectRecord) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return withLock(lockPath(dir, rec.ID), true, func() error {
		return writeFileAtomic(recordPath(dir, rec.ID), raw)
	})
}

// scan reads every record in the collection except skip. Files that vanish
// between listing and reading are ignored.
func (s *Store) scan(dir, skip string) ([]*models.ProjectRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []*models.ProjectRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if id == skip {
			continue
		}
		rec, err := s.readRecord(dir, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CreateRecord(_ context.Context, coll, id, name, owner string, defaults models.ACLs, now time.Time) (*models.ProjectRecord, error) {
	if err := safeName("record id", id); err != nil {
		return nil, err
	}
	dir, err := s.collDir(coll)
	if err != nil {
		return nil, err
	}
	rec, err := store.NewRecord(id, name, owner, defaults, now)
	if err != nil {
		return nil, err
	}

	err = withLock(filepath.Join(dir, lockDir, namesLock), true, func() error {
		if _, err := os.Stat(recordPath(dir, id)); err == nil {
			return fmt.Errorf("record %s: %w", id, sentinel.ErrConflict)
		}
		existing, err := s.scan(dir, id)
		if err != nil {
			return err
		}
		if err := store.CheckActiveName(existing, rec); err != nil {
			return err
		}
		return s.writeRecord(dir, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *Store) GetRecordFor(_ context.Context, coll, idOrName, owner string) (*models.ProjectRecord, error) {
	dir, err := s.collDir(coll)
	if err != nil {
		return nil, err
	}
	if s.hasRecordFile(dir, idOrName) {
		rec, err := s.readRecord(dir, idOrName)
		if err == nil || !errors.Is(err, sentinel.ErrNotFound) {
			return rec, err
		}
	}
	if owner == "" {
		return nil, sentinel.ErrNotFound
	}
	recs, err := s.scan(dir, "")
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if !rec.Deactivated && rec.Owner == owner && rec.Name == idOrName {
			return rec, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *Store) NameExists(_ context.Context, coll, name, owner string) (bool, error) {
	dir, err := s.collDir(coll)
	if err != nil {
		return false, err
	}
	recs, err := s.scan(dir, "")
	if err != nil {
		return false, err
	}
	return store.NameTaken(recs, "", name, owner), nil
}

func (s *Store) Save(_ context.Context, coll string, rec *models.ProjectRecord) error {
	if err := safeName("record id", rec.ID); err != nil {
		return err
	}
	dir, err := s.collDir(coll)
	if err != nil {
		return err
	}
	return withLock(filepath.Join(dir, lockDir, namesLock), true, func() error {
		current, err := s.readRecord(dir, rec.ID)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		nameMoved := current.Name != rec.Name || current.Owner != rec.Owner || current.Deactivated != rec.Deactivated
		if nameMoved && !rec.Deactivated {
			others, err := s.scan(dir, rec.ID)
			if err != nil {
				return err
			}
			if err := store.CheckActiveName(others, rec); err != nil {
				return err
			}
		}
		return s.writeRecord(dir, rec)
	})
}

func (s *Store) Delete(_ context.Context, coll, id string) error {
	if err := safeName("record id", id); err != nil {
		return err
	}
	dir, err := s.collDir(coll)
	if err != nil {
		return err
	}
	return withLock(filepath.Join(dir, lockDir, namesLock), true, func() error {
		return withLock(lockPath(dir, id), true, func() error {
			err := os.Remove(recordPath(dir, id))
			if errors.Is(err, fs.ErrNotExist) {
				return sentinel.ErrNotFound
			}
			return err
		})
	})
}

// NextSequenceFor reads, increments and rewrites the shoulder's counter file
// under an exclusive lock held across the whole cycle.
func (s *Store) NextSequenceFor(_ context.Context, shoulder string) (int, error) {
	if err := safeName("shoulder", shoulder); err != nil {
		return 0, err
	}
	dir := filepath.Join(s.root, countDir)
	path := filepath.Join(dir, shoulder+".json")
	var issued int
	err := withLock(filepath.Join(dir, lockDir, shoulder+".lock"), true, func() error {
		next := 1
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read counter %s: %w", shoulder, err)
		default:
			next, err = strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil || next < 1 {
				return fmt.Errorf("counter %s holds %q: %w", shoulder, raw, sentinel.ErrInvalidState)
			}
		}
		if err := writeFileAtomic(path, []byte(strconv.Itoa(next+1)+"\n")); err != nil {
			return err
		}
		issued = next
		return nil
	})
	return issued, err
}

func (s *Store) SelectRecords(_ context.Context, coll string, f store.Filter) ([]*models.ProjectRecord, error) {
	dir, err := s.collDir(coll)
	if err != nil {
		return nil, err
	}
	recs, err := s.scan(dir, "")
	if err != nil {
		return nil, err
	}
	var out []*models.ProjectRecord
	for _, rec := range recs {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	store.SortByID(out)
	return out, nil
}

// AppendAction appends one line under the record's exclusive lock; appends to
// other records take other locks and never wait on this one.
func (s *Store) AppendAction(_ context.Context, coll string, e provenance.Entry) error {
	id := e.RecordID()
	if err := safeName("record id", id); err != nil {
		return err
	}
	dir, err := s.collDir(coll)
	if err != nil {
		return err
	}
	line, err := provenance.Encode(e)
	if err != nil {
		return err
	}
	return withLock(lockPath(dir, id), true, func() error {
		f, err := os.OpenFile(provPath(dir, id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open provenance log: %w", err)
		}
		_, werr := f.Write(line)
		if werr == nil {
			werr = f.Sync()
		}
		return errors.Join(werr, f.Close())
	})
}

func (s *Store) ActionsFor(_ context.Context, coll, id string) ([]provenance.Entry, error) {
	if err := safeName("record id", id); err != nil {
		return nil, err
	}
	dir, err := s.collDir(coll)
	if err != nil {
		return nil, err
	}
	var out []provenance.Entry
	err = withLock(lockPath(dir, id), false, func() error {
		f, err := os.Open(provPath(dir, id))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("open provenance log: %w", err)
		}
		defer f.Close()
		out, err = provenance.Decode(f)
		return err
	})
	return out, err
}

func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("fsbased root: %w", err)
	}
	return nil
}
