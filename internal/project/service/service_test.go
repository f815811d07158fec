package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"midas/internal/project/metrics"
	"midas/internal/project/minter"
	"midas/internal/project/models"
	"midas/internal/project/notifier"
	notifiermocks "midas/internal/project/notifier/mocks"
	"midas/internal/project/store"
	"midas/internal/project/store/memory"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
	"midas/pkg/requestcontext"
)

// =============================================================================
// Record Broker Test Suite
// =============================================================================
// Runs against the in-memory backend; backend behavior itself is covered by
// the storetest contract in each store package.

type ServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	store   *memory.InMemory
	metrics *metrics.Metrics
	service *Service
	ctx     context.Context

	nstr1 *models.Agent
	gurn  *models.Agent
	admin *models.Agent
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func testConfig() Config {
	return Config{
		Collection: "dmp",
		Shoulders: minter.Policy{
			DefaultShoulder: "mdm0",
			Groups: map[string]minter.Group{
				"midas": {DefaultShoulder: "mdm1", AllowedShoulders: []string{"mdm1", "mdmx"}},
			},
		},
		Superusers:              []string{"admin"},
		AutoAcceptWithoutReview: true,
	}
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = memory.NewInMemory()
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.service = s.newService(testConfig())

	s.nstr1 = s.agent("nstr1", "midas")
	s.gurn = s.agent("gurn", "midas")
	s.admin = s.agent("admin", "midas")
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) newService(cfg Config, opts ...Option) *Service {
	opts = append([]Option{WithMetrics(s.metrics)}, opts...)
	svc, err := New(s.store, cfg, opts...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) agent(actor, class string) *models.Agent {
	a, err := models.NewAgent("dbioadm", models.ActorUser, actor, class)
	s.Require().NoError(err)
	return a
}

func (s *ServiceSuite) create(agent *models.Agent, name string) *models.ProjectRecord {
	rec, err := s.service.CreateRecord(s.ctx, agent, name, nil, nil, CreateOptions{})
	s.Require().NoError(err)
	return rec
}

func (s *ServiceSuite) jsonEq(want string, got jsondoc.Value) {
	enc, err := jsondoc.Encode(got)
	s.Require().NoError(err)
	s.JSONEq(want, string(enc))
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), "error: %v", err)
}

func (s *ServiceSuite) history(id string) []string {
	entries, err := s.service.History(s.ctx, s.admin, id)
	s.Require().NoError(err)
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = string(e.Type)
		if name := e.ProcessName(); name != "" {
			types[i] += ":" + name
		}
	}
	return types
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *ServiceSuite) TestNew() {
	s.Run("nil store", func() {
		_, err := New(nil, testConfig())
		s.requireCode(err, dErrors.CodeConfiguration)
	})

	s.Run("missing collection", func() {
		cfg := testConfig()
		cfg.Collection = ""
		_, err := New(s.store, cfg)
		s.requireCode(err, dErrors.CodeConfiguration)
	})

	s.Run("bad shoulder", func() {
		cfg := testConfig()
		cfg.Shoulders.DefaultShoulder = "mdm-0"
		_, err := New(s.store, cfg)
		s.requireCode(err, dErrors.CodeConfiguration)
	})

	s.Run("duplicate review systems", func() {
		sys := newSystem(s.ctrl, "simrev")
		_, err := New(s.store, testConfig(), WithReviewSystems(sys, sys))
		s.requireCode(err, dErrors.CodeConfiguration)
	})
}

// =============================================================================
// Create / Read Tests
// =============================================================================

// TestCreateThenGet verifies a new draft carries its name and owner, has
// empty data and metadata, and grants every permission to the owner alone.
func (s *ServiceSuite) TestCreateThenGet() {
	rec := s.create(s.nstr1, "goob")
	s.Equal("mdm1:0001", rec.ID)

	got, err := s.service.GetRecord(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal("goob", got.Name)
	s.Equal("nstr1", got.Owner)
	s.True(jsondoc.IsEmptyObject(got.Data))
	s.Equal(0, got.Meta.Len())
	owner := []string{"nstr1"}
	s.Empty(cmp.Diff(models.ACLs{Read: owner, Write: owner, Admin: owner, Delete: owner}, got.ACLs))
	s.Equal(models.StateEdit, got.Status.State)
	s.Equal(models.ActionCreate, got.Status.Action)
	s.Equal("draft created", got.Status.Message)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.RecordsCreated))

	s.Run("by name for the owner", func() {
		byName, err := s.service.GetRecord(s.ctx, s.nstr1, "goob")
		s.Require().NoError(err)
		s.Equal(rec.ID, byName.ID)
	})

	s.Run("other actors are refused", func() {
		_, err := s.service.GetRecord(s.ctx, s.gurn, rec.ID)
		s.requireCode(err, dErrors.CodeForbidden)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.AuthzDenied.WithLabelValues("read")))
	})

	s.Run("superusers bypass acls", func() {
		_, err := s.service.GetRecord(s.ctx, s.admin, rec.ID)
		s.NoError(err)
	})

	s.Run("unknown id", func() {
		_, err := s.service.GetRecord(s.ctx, s.nstr1, "mdm1:9999")
		s.requireCode(err, dErrors.CodeNotFound)
		ok, err := s.service.ExistsRecord(s.ctx, s.nstr1, "mdm1:9999")
		s.NoError(err)
		s.False(ok)
	})

	s.Run("missing agent", func() {
		_, err := s.service.GetRecord(s.ctx, nil, rec.ID)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})
}

func (s *ServiceSuite) TestCreateRecord() {
	s.Run("initial data and meta", func() {
		rec, err := s.service.CreateRecord(s.ctx, s.nstr1, "  seeded ",
			jsondoc.MustParse(`{"title":"Seeded","pos":{"x":1}}`),
			jsondoc.MustParse(`{"resType":"dmp"}`),
			CreateOptions{Shoulder: "mdmx"})
		s.Require().NoError(err)
		s.Equal("seeded", rec.Name)
		s.Equal("mdmx:0001", rec.ID)
		s.jsonEq(`{"title":"Seeded","pos":{"x":1}}`, rec.Data)
		s.jsonEq(`{"resType":"dmp"}`, rec.Meta)
	})

	s.Run("empty name", func() {
		_, err := s.service.CreateRecord(s.ctx, s.nstr1, " ", nil, nil, CreateOptions{})
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("non-object data", func() {
		_, err := s.service.CreateRecord(s.ctx, s.nstr1, "list", jsondoc.MustParse(`[1]`), nil, CreateOptions{})
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("disallowed shoulder", func() {
		_, err := s.service.CreateRecord(s.ctx, s.nstr1, "elsewhere", nil, nil, CreateOptions{Shoulder: "pdr0"})
		s.requireCode(err, dErrors.CodeForbidden)
	})

	s.Run("default perms are applied", func() {
		cfg := testConfig()
		cfg.Collection = "dap"
		cfg.DefaultPerms = models.ACLs{Read: []string{models.PublicGroup}}
		svc := s.newService(cfg)
		rec, err := svc.CreateRecord(s.ctx, s.nstr1, "open", nil, nil, CreateOptions{})
		s.Require().NoError(err)
		_, err = svc.GetRecord(s.ctx, s.gurn, rec.ID)
		s.NoError(err)
		_, err = svc.UpdateData(s.ctx, s.gurn, rec.ID, "", jsondoc.MustParse(`{"a":1}`), "")
		s.requireCode(err, dErrors.CodeForbidden)
	})
}

// TestDuplicateName verifies an owner cannot hold two active records with one name.
func (s *ServiceSuite) TestDuplicateName() {
	s.create(s.nstr1, "goob")

	_, err := s.service.CreateRecord(s.ctx, s.nstr1, "goob", nil, nil, CreateOptions{})
	s.requireCode(err, dErrors.CodeConflict)

	s.Run("no id is consumed", func() {
		rec := s.create(s.nstr1, "gurn")
		s.Equal("mdm1:0002", rec.ID)
	})

	s.Run("other owners may reuse the name", func() {
		rec := s.create(s.gurn, "goob")
		s.Equal("gurn", rec.Owner)
	})

	s.Run("name exists", func() {
		ok, err := s.service.NameExists(s.ctx, s.nstr1, "goob")
		s.NoError(err)
		s.True(ok)
		ok, err = s.service.NameExists(s.ctx, s.nstr1, "missing")
		s.NoError(err)
		s.False(ok)
	})
}

// TestConcurrentCreates verifies parallel creates on one shoulder get
// distinct, dense ids.
func (s *ServiceSuite) TestConcurrentCreates() {
	const n = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.service.CreateRecord(s.ctx, s.nstr1, fmt.Sprintf("rec%02d", i), nil, nil, CreateOptions{})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids = append(ids, rec.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	sort.Strings(ids)
	want := make([]string, n)
	for i := range want {
		want[i] = minter.Format("mdm1", i+1)
	}
	s.Equal(want, ids)
}

// =============================================================================
// Ownership Tests
// =============================================================================

func (s *ServiceSuite) TestReassignAndRename() {
	rec := s.create(s.nstr1, "goob")

	s.Run("rename", func() {
		out, err := s.service.Rename(s.ctx, s.nstr1, rec.ID, "gurn")
		s.Require().NoError(err)
		s.Equal("gurn", out.Name)
		s.create(s.nstr1, "goob")
		_, err = s.service.Rename(s.ctx, s.nstr1, rec.ID, "goob")
		s.requireCode(err, dErrors.CodeConflict)
	})

	s.Run("reassign needs admin", func() {
		_, err := s.service.Reassign(s.ctx, s.gurn, rec.ID, "gurn")
		s.requireCode(err, dErrors.CodeForbidden)
		_, err = s.service.Reassign(s.ctx, s.nstr1, rec.ID, "")
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("reassign", func() {
		out, err := s.service.Reassign(s.ctx, s.nstr1, rec.ID, "gurn")
		s.Require().NoError(err)
		s.Equal("gurn", out.Owner)
		s.Contains(out.ACLs.Admin, "gurn")
		_, err = s.service.UpdateData(s.ctx, s.gurn, rec.ID, "", jsondoc.MustParse(`{"a":1}`), "")
		s.NoError(err)
	})

	s.Equal([]string{"CREATE", "PATCH", "PATCH", "PATCH"}, s.history(rec.ID))
}

// TestDeactivateReactivate verifies deactivation hides the name while keeping
// the id, data and history.
func (s *ServiceSuite) TestDeactivateReactivate() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"title":"Goob"}`), "")
	s.Require().NoError(err)

	changed, err := s.service.Deactivate(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.True(changed)
	changed, err = s.service.Deactivate(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.False(changed)

	ok, err := s.service.NameExists(s.ctx, s.nstr1, "goob")
	s.Require().NoError(err)
	s.False(ok)
	listed, err := s.service.SelectRecords(s.ctx, s.nstr1, models.PermRead, store.Filter{})
	s.Require().NoError(err)
	s.Empty(listed)

	changed, err = s.service.Reactivate(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.True(changed)

	got, err := s.service.GetRecord(s.ctx, s.nstr1, "goob")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.jsonEq(`{"title":"Goob"}`, got.Data)
	s.Equal([]string{"CREATE", "PATCH", "PROCESS:deactivate", "PROCESS:reactivate"}, s.history(rec.ID))

	s.Run("reactivating into a taken name", func() {
		_, err := s.service.Deactivate(s.ctx, s.nstr1, rec.ID)
		s.Require().NoError(err)
		s.create(s.nstr1, "goob")
		_, err = s.service.Reactivate(s.ctx, s.nstr1, rec.ID)
		s.requireCode(err, dErrors.CodeConflict)
	})
}

func (s *ServiceSuite) TestPurge() {
	rec := s.create(s.nstr1, "goob")

	s.Run("needs delete", func() {
		err := s.service.Purge(s.ctx, s.gurn, rec.ID)
		s.requireCode(err, dErrors.CodeForbidden)
	})

	s.Require().NoError(s.service.Purge(s.ctx, s.nstr1, rec.ID))
	_, err := s.service.GetRecord(s.ctx, s.nstr1, rec.ID)
	s.requireCode(err, dErrors.CodeNotFound)

	entries, err := s.store.ActionsFor(s.ctx, "dmp", rec.ID)
	s.Require().NoError(err)
	s.Len(entries, 2)
	s.Equal("DELETE", string(entries[1].Type))

	s.Run("published records stay", func() {
		pub := s.create(s.nstr1, "pub")
		_, err := s.service.SetState(s.ctx, s.admin, pub.ID, string(models.StatePublished), "", false)
		s.Require().NoError(err)
		err = s.service.Purge(s.ctx, s.nstr1, pub.ID)
		s.requireCode(err, dErrors.CodeNotEditable)
	})
}

// =============================================================================
// Selection and ACL Tests
// =============================================================================

func (s *ServiceSuite) TestSelectRecords() {
	mine := s.create(s.nstr1, "mine")
	theirs := s.create(s.gurn, "theirs")
	_, err := s.service.GrantPerm(s.ctx, s.gurn, theirs.ID, models.PermRead, "nstr1")
	s.Require().NoError(err)

	recs, err := s.service.SelectRecords(s.ctx, s.nstr1, models.PermRead, store.Filter{})
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal(mine.ID, recs[0].ID)
	s.Equal(theirs.ID, recs[1].ID)

	recs, err = s.service.SelectRecords(s.ctx, s.nstr1, models.PermWrite, store.Filter{})
	s.Require().NoError(err)
	s.Len(recs, 1)

	recs, err = s.service.SelectRecords(s.ctx, s.nstr1, models.PermOwn, store.Filter{})
	s.Require().NoError(err)
	s.Len(recs, 1)

	_, err = s.service.SelectRecords(s.ctx, s.nstr1, "curate", store.Filter{})
	s.requireCode(err, dErrors.CodeInvalidUpdate)
}

// TestProtectOwner verifies protect_owner keeps the owner's grant for every
// permission while still revoking everyone else.
func (s *ServiceSuite) TestProtectOwner() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.GrantPerm(s.ctx, s.nstr1, rec.ID, models.PermWrite, "gurn", "goob")
	s.Require().NoError(err)

	for _, perm := range models.StoredPermissions {
		changed, err := s.service.RevokePerm(s.ctx, s.nstr1, rec.ID, perm, []string{"nstr1"}, true)
		s.Require().NoError(err)
		s.False(changed, string(perm))
	}

	changed, err := s.service.RevokePermFromAll(s.ctx, s.nstr1, rec.ID, models.PermWrite, true)
	s.Require().NoError(err)
	s.True(changed)
	actors, err := s.service.PermittedActors(s.ctx, s.nstr1, rec.ID, models.PermWrite)
	s.Require().NoError(err)
	s.Equal([]string{"nstr1"}, actors)

	s.Run("without protection the owner entry goes but ownership remains", func() {
		changed, err := s.service.RevokePerm(s.ctx, s.nstr1, rec.ID, models.PermRead, []string{"nstr1"}, false)
		s.Require().NoError(err)
		s.True(changed)
		actors, err := s.service.PermittedActors(s.ctx, s.nstr1, rec.ID, models.PermRead)
		s.Require().NoError(err)
		s.Empty(actors)
		_, err = s.service.GetRecord(s.ctx, s.nstr1, rec.ID)
		s.NoError(err)
	})

	s.Run("superuser revokes on behalf of the owner", func() {
		_, err := s.service.GrantPerm(s.ctx, s.nstr1, rec.ID, models.PermAdmin, "gurn")
		s.Require().NoError(err)
		changed, err := s.service.RevokePerm(s.ctx, s.admin, rec.ID, models.PermAdmin, []string{"gurn"}, true)
		s.Require().NoError(err)
		s.True(changed)
	})

	s.Run("own is not grantable", func() {
		_, err := s.service.GrantPerm(s.ctx, s.nstr1, rec.ID, models.PermOwn, "gurn")
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})
}

// TestGrantIsIdempotent verifies a repeated grant changes nothing and logs nothing.
func (s *ServiceSuite) TestGrantIsIdempotent() {
	rec := s.create(s.nstr1, "goob")
	changed, err := s.service.GrantPerm(s.ctx, s.nstr1, rec.ID, models.PermRead, "gurn")
	s.Require().NoError(err)
	s.True(changed)
	changed, err = s.service.GrantPerm(s.ctx, s.nstr1, rec.ID, models.PermRead, "gurn")
	s.Require().NoError(err)
	s.False(changed)

	entries, err := s.service.History(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(rec.ID+"#acls.read", entries[1].Subject)
	s.jsonEq(`["nstr1","gurn"]`, entries[1].ObjectValue())
}

// =============================================================================
// Notification Tests
// =============================================================================

// TestNotifierFailureDoesNotFailCommit verifies a mutation stays committed
// when its notification cannot be delivered.
func (s *ServiceSuite) TestNotifierFailureDoesNotFailCommit() {
	n := notifiermocks.NewMockNotifier(s.ctrl)
	svc := s.newService(testConfig(), WithNotifier(n))

	var got notifier.Event
	n.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e notifier.Event) error {
			got = e
			return errors.New("broker down")
		},
	)

	rec, err := svc.CreateRecord(s.ctx, s.nstr1, "goob", nil, nil, CreateOptions{})
	s.Require().NoError(err)
	_, err = svc.GetRecord(s.ctx, s.nstr1, rec.ID)
	s.NoError(err)

	s.Equal("record_created", got.Type)
	s.Equal("dmp", got.Collection)
	s.Equal(rec.ID, got.RecordID)
	s.Equal("nstr1", got.Actor)
	s.Equal(string(models.StateEdit), got.State)
	s.NotEmpty(got.ID)
}
