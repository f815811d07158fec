// Package storetest is the behavioral contract every record backend must
// satisfy. Backend packages run it from their own tests:
//
//	storetest.Run(t, func(t *testing.T) storetest.Store { return memory.NewInMemory() })
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"midas/internal/project/models"
	"midas/internal/project/provenance"
	"midas/internal/project/store"
	"midas/pkg/jsondoc"
	"midas/pkg/platform/sentinel"
)

// Store mirrors the record store interface consumed by the project service.
type Store interface {
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

const coll = "dmp"

// Concurrency is the number of parallel callers in the race tests.
var Concurrency = 25

// Run executes the contract against fresh stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	suite.Run(t, &ContractSuite{newStore: newStore})
}

type ContractSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
	now      time.Time
}

func (s *ContractSuite) SetupTest() {
	s.store = s.newStore(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *ContractSuite) create(id, name, owner string) *models.ProjectRecord {
	rec, err := s.store.CreateRecord(s.ctx, coll, id, name, owner, models.ACLs{}, s.now)
	s.Require().NoError(err)
	return rec
}

// TestCreateAndGet verifies a created record reads back as an owner-only empty draft.
func (s *ContractSuite) TestCreateAndGet() {
	s.Run("owner-only defaults", func() {
		s.create("mdm1:0001", "goob", "nstr1")

		got, err := s.store.GetRecordFor(s.ctx, coll, "mdm1:0001", "")
		s.Require().NoError(err)
		s.Equal("goob", got.Name)
		s.Equal("nstr1", got.Owner)
		s.True(jsondoc.IsEmptyObject(got.Data))
		s.Equal(0, got.Meta.Len())
		for _, p := range models.StoredPermissions {
			s.Equal([]string{"nstr1"}, got.ACLs.Granted(p))
		}
		s.Equal(models.StateEdit, got.Status.State)
	})

	s.Run("configured defaults are added after the owner", func() {
		rec, err := s.store.CreateRecord(s.ctx, coll, "mdm1:0002", "pub", "nstr1",
			models.ACLs{Read: []string{models.PublicGroup}}, s.now)
		s.Require().NoError(err)
		s.Equal([]string{"nstr1", models.PublicGroup}, rec.ACLs.Read)
	})

	s.Run("lookup by name needs the owner", func() {
		got, err := s.store.GetRecordFor(s.ctx, coll, "goob", "nstr1")
		s.Require().NoError(err)
		s.Equal("mdm1:0001", got.ID)

		_, err = s.store.GetRecordFor(s.ctx, coll, "goob", "alice")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("unknown id is not found", func() {
		_, err := s.store.GetRecordFor(s.ctx, coll, "mdm1:9999", "nstr1")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("collections are separate", func() {
		_, err := s.store.GetRecordFor(s.ctx, "dap", "mdm1:0001", "")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

// TestNameUniqueness verifies names are unique per owner among active records.
func (s *ContractSuite) TestNameUniqueness() {
	s.create("mdm1:0001", "goob", "nstr1")

	s.Run("same owner same name is rejected", func() {
		_, err := s.store.CreateRecord(s.ctx, coll, "mdm1:0002", "goob", "nstr1", models.ACLs{}, s.now)
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("another owner may reuse the name", func() {
		s.create("mdm1:0003", "goob", "alice")
	})

	s.Run("an existing id is a conflict", func() {
		_, err := s.store.CreateRecord(s.ctx, coll, "mdm1:0001", "other", "nstr1", models.ACLs{}, s.now)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("name exists reports per owner", func() {
		ok, err := s.store.NameExists(s.ctx, coll, "goob", "nstr1")
		s.Require().NoError(err)
		s.True(ok)
		ok, err = s.store.NameExists(s.ctx, coll, "goob", "bob")
		s.Require().NoError(err)
		s.False(ok)
	})
}

// TestDeactivation verifies deactivated records leave the name index but stay fetchable.
func (s *ContractSuite) TestDeactivation() {
	rec := s.create("mdm1:0001", "goob", "nstr1")

	rec.Deactivated = true
	s.Require().NoError(s.store.Save(s.ctx, coll, rec))

	ok, err := s.store.NameExists(s.ctx, coll, "goob", "nstr1")
	s.Require().NoError(err)
	s.False(ok)

	got, err := s.store.GetRecordFor(s.ctx, coll, "mdm1:0001", "")
	s.Require().NoError(err)
	s.True(got.Deactivated)

	_, err = s.store.GetRecordFor(s.ctx, coll, "goob", "nstr1")
	s.Require().ErrorIs(err, sentinel.ErrNotFound, "name lookup skips deactivated records")

	s.Run("reactivation restores the name", func() {
		got.Deactivated = false
		s.Require().NoError(s.store.Save(s.ctx, coll, got))
		ok, err := s.store.NameExists(s.ctx, coll, "goob", "nstr1")
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("reactivation into a taken name is rejected", func() {
		got.Deactivated = true
		s.Require().NoError(s.store.Save(s.ctx, coll, got))
		s.create("mdm1:0002", "goob", "nstr1")

		got.Deactivated = false
		err := s.store.Save(s.ctx, coll, got)
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)

		stored, err := s.store.GetRecordFor(s.ctx, coll, "mdm1:0001", "")
		s.Require().NoError(err)
		s.True(stored.Deactivated, "failed save leaves the stored record unchanged")
	})
}

// TestSave verifies saves persist full state and handed-out records are copies.
func (s *ContractSuite) TestSave() {
	rec := s.create("mdm1:0001", "goob", "nstr1")

	rec.Data = jsondoc.MustParse(`{"pos":{"x":1,"vec":[1,2]},"title":"t"}`)
	rec.Meta.Set("resType", jsondoc.String("dmp"))
	rec.Status.SetReviewPhase("simrev", models.PhaseRequested, "r1", nil, s.now)
	rec.Touch(s.now.Add(time.Second))
	s.Require().NoError(s.store.Save(s.ctx, coll, rec))

	rec.Data = jsondoc.MustParse(`{}`)
	got, err := s.store.GetRecordFor(s.ctx, coll, "mdm1:0001", "")
	s.Require().NoError(err)
	s.True(jsondoc.Equal(jsondoc.MustParse(`{"pos":{"x":1,"vec":[1,2]},"title":"t"}`), got.Data))
	s.Equal(`{"resType":"dmp"}`, mustEncode(s, got.Meta))
	s.Equal(models.PhaseRequested, got.Status.Reviews["simrev"].Phase)
	s.LessOrEqual(got.Created, got.Modified)

	s.Run("unknown record cannot be saved", func() {
		ghost, err := models.NewProjectRecord("mdm1:0404", "ghost", "nstr1", s.now)
		s.Require().NoError(err)
		s.Require().ErrorIs(s.store.Save(s.ctx, coll, ghost), sentinel.ErrNotFound)
	})

	s.Run("reassigned owner moves the name", func() {
		got.Owner = "alice"
		s.Require().NoError(s.store.Save(s.ctx, coll, got))

		byName, err := s.store.GetRecordFor(s.ctx, coll, "goob", "alice")
		s.Require().NoError(err)
		s.Equal("mdm1:0001", byName.ID)

		ok, err := s.store.NameExists(s.ctx, coll, "goob", "nstr1")
		s.Require().NoError(err)
		s.False(ok)
		s.create("mdm1:0002", "goob", "nstr1")
	})
}

// TestSequences verifies counters are monotonic, per shoulder, and never repeat
// under concurrent callers.
func (s *ContractSuite) TestSequences() {
	s.Run("monotonic per shoulder", func() {
		for want := 1; want <= 3; want++ {
			n, err := s.store.NextSequenceFor(s.ctx, "mdm1")
			s.Require().NoError(err)
			s.Equal(want, n)
		}
		n, err := s.store.NextSequenceFor(s.ctx, "mdm2")
		s.Require().NoError(err)
		s.Equal(1, n)
	})

	s.Run("concurrent callers get distinct dense numbers", func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var failures atomic.Int32
		seen := make(map[int]int)

		for i := 0; i < Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.store.NextSequenceFor(s.ctx, "race")
				if err != nil {
					failures.Add(1)
					return
				}
				mu.Lock()
				seen[n]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		s.Zero(failures.Load(), "sequence errors")
		s.Len(seen, Concurrency)
		for n := 1; n <= Concurrency; n++ {
			s.Equal(1, seen[n], "number %d issued exactly once", n)
		}
	})
}

// TestConcurrentCreateSameName verifies exactly one of many racing creates wins a name.
func (s *ContractSuite) TestConcurrentCreateSameName() {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, taken, failed int

	for i := 0; i < Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.CreateRecord(s.ctx, coll, fmt.Sprintf("mdm1:%04d", i+1), "contested", "nstr1", models.ACLs{}, s.now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case isAlreadyUsed(err):
				taken++
			default:
				failed++
			}
		}(i)
	}
	wg.Wait()

	s.Zero(failed, "unexpected create errors")
	s.Equal(1, ok)
	s.Equal(Concurrency-1, taken)
}

// TestProvenance verifies per-record ordered append and isolation between records.
func (s *ContractSuite) TestProvenance() {
	agent, err := models.NewAgent("test", models.ActorUser, "nstr1", "midas")
	s.Require().NoError(err)

	for i, typ := range []provenance.Type{provenance.TypeCreate, provenance.TypePatch, provenance.TypePut} {
		e := provenance.New(typ, provenance.DataSubject("mdm1:0001", nil), agent, fmt.Sprintf("step %d", i), nil, s.now)
		s.Require().NoError(s.store.AppendAction(s.ctx, coll, e))
	}
	s.Require().NoError(s.store.AppendAction(s.ctx, coll,
		provenance.New(provenance.TypeCreate, "mdm1:0002", agent, "other", nil, s.now)))

	got, err := s.store.ActionsFor(s.ctx, coll, "mdm1:0001")
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.Equal(provenance.TypeCreate, got[0].Type)
	s.Equal(provenance.TypePut, got[2].Type)
	s.Equal("step 1", got[1].Message)
	s.Equal("nstr1", got[1].Agent.Actor)

	s.Run("returned entries are copies", func() {
		s.Require().NoError(s.store.AppendAction(s.ctx, coll,
			provenance.New(provenance.TypePatch, "mdm1:0004", agent, "", jsondoc.MustParse(`{"a":1}`), s.now)))

		first, err := s.store.ActionsFor(s.ctx, coll, "mdm1:0004")
		s.Require().NoError(err)
		s.Require().Len(first, 1)
		obj, ok := first[0].ObjectValue().(*jsondoc.Object)
		s.Require().True(ok)
		obj.Set("a", jsondoc.String("changed"))
		first[0].Agent.Actor = "someone-else"
		first[0].Message = "changed"

		again, err := s.store.ActionsFor(s.ctx, coll, "mdm1:0004")
		s.Require().NoError(err)
		s.Require().Len(again, 1)
		s.True(jsondoc.Equal(jsondoc.MustParse(`{"a":1}`), again[0].ObjectValue()))
		s.Equal("nstr1", again[0].Agent.Actor)
		s.Empty(again[0].Message)
	})

	none, err := s.store.ActionsFor(s.ctx, coll, "mdm1:0404")
	s.Require().NoError(err)
	s.Empty(none)

	s.Run("concurrent appends are all kept", func() {
		var wg sync.WaitGroup
		var failures atomic.Int32
		for i := 0; i < Concurrency; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.store.AppendAction(s.ctx, coll,
					provenance.New(provenance.TypeComment, "mdm1:0003", agent, fmt.Sprintf("c%d", i), nil, s.now))
				if err != nil {
					failures.Add(1)
				}
			}(i)
		}
		wg.Wait()
		s.Zero(failures.Load(), "append errors")
		all, err := s.store.ActionsFor(s.ctx, coll, "mdm1:0003")
		s.Require().NoError(err)
		s.Len(all, Concurrency)
	})
}

// TestSelectAndDelete verifies filtering, ordering and the delete primitive.
func (s *ContractSuite) TestSelectAndDelete() {
	s.create("mdm1:0002", "b", "nstr1")
	s.create("mdm1:0001", "a", "nstr1")
	other := s.create("mdm1:0003", "c", "alice")
	other.Deactivated = true
	s.Require().NoError(s.store.Save(s.ctx, coll, other))

	all, err := s.store.SelectRecords(s.ctx, coll, store.Filter{})
	s.Require().NoError(err)
	s.Equal([]string{"mdm1:0001", "mdm1:0002"}, ids(all))

	withDeact, err := s.store.SelectRecords(s.ctx, coll, store.Filter{IncludeDeactivated: true})
	s.Require().NoError(err)
	s.Len(withDeact, 3)

	mine, err := s.store.SelectRecords(s.ctx, coll, store.Filter{Owner: "alice", IncludeDeactivated: true})
	s.Require().NoError(err)
	s.Equal([]string{"mdm1:0003"}, ids(mine))

	s.Require().NoError(s.store.Delete(s.ctx, coll, "mdm1:0001"))
	_, err = s.store.GetRecordFor(s.ctx, coll, "mdm1:0001", "")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	s.Require().ErrorIs(s.store.Delete(s.ctx, coll, "mdm1:0001"), sentinel.ErrNotFound)

	s.NoError(s.store.Ping(s.ctx))
}

func ids(recs []*models.ProjectRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func mustEncode(s *ContractSuite, v jsondoc.Value) string {
	raw, err := jsondoc.Encode(v)
	s.Require().NoError(err)
	return string(raw)
}

func isAlreadyUsed(err error) bool {
	return errors.Is(err, sentinel.ErrAlreadyUsed)
}
