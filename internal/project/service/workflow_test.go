package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"midas/internal/project/models"
	"midas/internal/project/review"
	reviewmocks "midas/internal/project/review/mocks"
	"midas/internal/project/validate"
	validatemocks "midas/internal/project/validate/mocks"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
)

func newSystem(ctrl *gomock.Controller, name string) *reviewmocks.MockSystem {
	sys := reviewmocks.NewMockSystem(ctrl)
	sys.EXPECT().Name().Return(name).AnyTimes()
	return sys
}

func (s *ServiceSuite) reviewer() *models.Agent {
	return s.agent("simrev", "review").WithGroups(ReviewGroup)
}

func (s *ServiceSuite) details(err error) []string {
	var de *dErrors.Error
	s.Require().True(errors.As(err, &de))
	return de.Details
}

// =============================================================================
// Finalize Tests
// =============================================================================

func (s *ServiceSuite) TestFinalize() {
	rec, err := s.service.CreateRecord(s.ctx, s.nstr1, "goob", jsondoc.MustParse(`{"title":"T"}`), nil, CreateOptions{})
	s.Require().NoError(err)

	st, err := s.service.Finalize(s.ctx, s.nstr1, rec.ID, "")
	s.Require().NoError(err)
	s.Equal(models.StateReady, st.State)
	s.Equal(models.ActionFinalize, st.Action)

	data, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "")
	s.Require().NoError(err)
	s.jsonEq(`{"title":"T","@version":"1.0.0","@id":"ark:/88434/mdm1-0001"}`, data)
	s.Equal([]string{"CREATE", "PROCESS:finalize"}, s.history(rec.ID))

	s.Run("draft version suffix is dropped", func() {
		_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "@version", jsondoc.String("1.2.0+ (in edit)"), "")
		s.Require().NoError(err)
		_, err = s.service.Finalize(s.ctx, s.nstr1, rec.ID, "")
		s.Require().NoError(err)
		v, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "@version")
		s.Require().NoError(err)
		s.jsonEq(`"1.2.0"`, v)
	})

	s.Run("failed validation returns to edit", func() {
		v := validatemocks.NewMockValidator(s.ctrl)
		svc := s.newService(testConfig(), WithValidator(v))
		v.EXPECT().Validate(gomock.Any(), gomock.Any()).
			Return(validate.Report{Failures: []string{"missing required property: contact"}}, nil)

		st, err := svc.Finalize(s.ctx, s.nstr1, rec.ID, "")
		s.requireCode(err, dErrors.CodeNotSubmittable)
		s.Equal([]string{"missing required property: contact"}, s.details(err))
		s.Equal(models.StateEdit, st.State)
		s.True(strings.HasPrefix(st.Message, "finalization failed"))
	})
}

func (s *ServiceSuite) TestNextVersion() {
	cases := map[string]string{
		"1.0.0":      "1.1.0",
		"1.3.2":      "1.4.0",
		"2":          "2.1.0",
		"1.0.0+ (x)": "1.1.0",
		"v1.x":       "v1.x",
	}
	for in, want := range cases {
		s.Equal(want, nextVersion(in), in)
	}
}

// =============================================================================
// Submit Tests
// =============================================================================

// TestSubmitWithoutReviewSystems verifies the auto-accept policy.
func (s *ServiceSuite) TestSubmitWithoutReviewSystems() {
	rec := s.create(s.nstr1, "goob")
	st, err := s.service.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.Require().NoError(err)
	s.Equal(models.StateAccepted, st.State)
	s.Equal([]string{"CREATE", "PROCESS:submit"}, s.history(rec.ID))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.StateTransitions.WithLabelValues("accepted")))

	s.Run("without auto accept the record waits", func() {
		cfg := testConfig()
		cfg.AutoAcceptWithoutReview = false
		svc := s.newService(cfg)
		rec := s.create(s.nstr1, "waiting")
		st, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "please", SubmitOptions{})
		s.Require().NoError(err)
		s.Equal(models.StateSubmitted, st.State)
		s.Equal("please", st.Message)
	})

	s.Run("only editable records", func() {
		_, err := s.service.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
		s.requireCode(err, dErrors.CodeNotEditable)
	})

	s.Run("needs write", func() {
		other := s.create(s.nstr1, "other")
		_, err := s.service.Submit(s.ctx, s.gurn, other.ID, "", SubmitOptions{})
		s.requireCode(err, dErrors.CodeForbidden)
	})
}

// TestSubmitThenApproveAll verifies a record is accepted only once every
// review system has approved it, with one entry per approval.
func (s *ServiceSuite) TestSubmitThenApproveAll() {
	nps, sec := newSystem(s.ctrl, "nps"), newSystem(s.ctrl, "secrev")
	svc := s.newService(testConfig(), WithReviewSystems(nps, sec))
	rec := s.create(s.nstr1, "goob")

	nps.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req review.SubmitRequest) (review.Ack, error) {
			s.Equal(rec.ID, req.RecordID)
			s.Equal("nstr1", req.Submitter)
			s.Equal([]string{"rlp"}, req.Reviewers)
			return review.Ack{Phase: models.PhaseRequested, ReviewID: "nps-1"}, nil
		})
	sec.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(review.Ack{ReviewID: "sec-1"}, nil)

	st, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{Reviewers: []string{"rlp"}})
	s.Require().NoError(err)
	s.Equal(models.StateSubmitted, st.State)
	s.Equal([]string{"nps", "secrev"}, st.ReviewSystems())
	s.Empty(cmp.Diff(models.ReviewPhase{Phase: models.PhaseRequested, ID: "sec-1", Modified: st.Reviews["secrev"].Modified}, st.Reviews["secrev"]))

	st, err = svc.Approve(s.ctx, s.reviewer(), rec.ID, "nps", "")
	s.Require().NoError(err)
	s.Equal(models.StateSubmitted, st.State)
	s.Equal("nps-1", st.Reviews["nps"].ID)

	st, err = svc.Approve(s.ctx, s.reviewer(), rec.ID, "secrev", "")
	s.Require().NoError(err)
	s.Equal(models.StateAccepted, st.State)
	s.Equal([]string{"CREATE", "PROCESS:submit", "PROCESS:approve", "PROCESS:approve"}, s.history(rec.ID))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.StateTransitions.WithLabelValues("submitted")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.StateTransitions.WithLabelValues("accepted")))
}

// TestSubmitFailureChangesNothing verifies one refusing system leaves the
// record as it was.
func (s *ServiceSuite) TestSubmitFailureChangesNothing() {
	nps, sec := newSystem(s.ctrl, "nps"), newSystem(s.ctrl, "secrev")
	svc := s.newService(testConfig(), WithReviewSystems(nps, sec))
	rec := s.create(s.nstr1, "goob")

	nps.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(review.Ack{Phase: models.PhaseRequested}, nil).MaxTimes(1)
	sec.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(review.Ack{}, errors.New("connection refused"))

	_, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.requireCode(err, dErrors.CodeUnavailable)

	got, err := svc.GetRecord(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StateEdit, got.Status.State)
	s.Empty(got.Status.Reviews)
	s.True(jsondoc.IsEmptyObject(got.Data))
	s.Equal([]string{"CREATE"}, s.history(rec.ID))
}

func (s *ServiceSuite) TestSubmitValidation() {
	v := validatemocks.NewMockValidator(s.ctrl)
	svc := s.newService(testConfig(), WithValidator(v))
	rec := s.create(s.nstr1, "goob")

	v.EXPECT().Validate(gomock.Any(), gomock.Any()).
		Return(validate.Report{Failures: []string{"missing required property: title"}}, nil)
	_, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.requireCode(err, dErrors.CodeNotSubmittable)
	s.Equal([]string{"missing required property: title"}, s.details(err))

	v.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(validate.Report{}, errors.New("schema unavailable"))
	_, err = svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.requireCode(err, dErrors.CodeInternal)

	s.Run("real validator passes once the data is complete", func() {
		required, err := validate.NewRequiredPaths("title")
		s.Require().NoError(err)
		svc := s.newService(testConfig(), WithValidator(required))
		_, err = svc.UpdateData(s.ctx, s.nstr1, rec.ID, "title", jsondoc.String("Goob"), "")
		s.Require().NoError(err)
		st, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
		s.Require().NoError(err)
		s.Equal(models.StateAccepted, st.State)
	})

	s.Equal([]string{"CREATE", "PATCH", "PROCESS:submit"}, s.history(rec.ID))
}

// =============================================================================
// Review Callback Tests
// =============================================================================

func (s *ServiceSuite) TestApplyExternalReview() {
	nps := newSystem(s.ctrl, "nps")
	svc := s.newService(testConfig(), WithReviewSystems(nps))
	rec := s.create(s.nstr1, "goob")

	s.Run("record must be under review", func() {
		_, err := svc.UpdatePhase(s.ctx, s.reviewer(), rec.ID, "nps", "group", nil)
		s.requireCode(err, dErrors.CodeInvalidState)
	})

	nps.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(review.Ack{Phase: models.PhaseRequested, ReviewID: "r1"}, nil)
	_, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.Require().NoError(err)

	s.Run("strangers may not report", func() {
		_, err := svc.UpdatePhase(s.ctx, s.gurn, rec.ID, "nps", "group", nil)
		s.requireCode(err, dErrors.CodeForbidden)
	})

	s.Run("unknown system", func() {
		_, err := svc.UpdatePhase(s.ctx, s.reviewer(), rec.ID, "other", "group", nil)
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("phase is required", func() {
		_, err := svc.UpdatePhase(s.ctx, s.reviewer(), rec.ID, "nps", "", nil)
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("feedback is recorded", func() {
		fb := []models.Feedback{{Reviewer: "rlp", Description: "add a license"}}
		st, err := svc.ApplyExternalReview(s.ctx, s.reviewer(), rec.ID, "nps", "group", "r2", fb)
		s.Require().NoError(err)
		s.Equal(models.StateSubmitted, st.State)
		got, ok := st.ReviewPhaseOf("nps")
		s.Require().True(ok)
		s.Equal("group", got.Phase)
		s.Equal("r2", got.ID)
		s.Empty(cmp.Diff(fb, got.Feedback))
	})

	s.Run("the owner may report as admin", func() {
		st, err := svc.ApplyExternalReview(s.ctx, s.nstr1, rec.ID, "nps", models.PhaseApproved, "", nil)
		s.Require().NoError(err)
		s.Equal(models.StateAccepted, st.State)
	})
}

// TestSimulatedReviewRoundTrip wires the simulated system back to the broker.
func (s *ServiceSuite) TestSimulatedReviewRoundTrip() {
	sim := review.NewSimulated()
	svc := s.newService(testConfig(), WithReviewSystems(sim))
	sim.SetCallback(svc, s.reviewer())
	rec := s.create(s.nstr1, "goob")

	st, err := svc.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.Require().NoError(err)
	s.Equal(models.StateSubmitted, st.State)

	s.Require().NoError(sim.Update(s.ctx, rec.ID, "group", []models.Feedback{{Description: "ok so far"}}))
	s.Require().NoError(sim.Approve(s.ctx, rec.ID))

	got, err := svc.GetStatus(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.StateAccepted, got.State)
	s.Equal([]string{"CREATE", "PROCESS:submit", "PROCESS:review", "PROCESS:approve"}, s.history(rec.ID))
}

// =============================================================================
// Publish and Administrative Tests
// =============================================================================

func (s *ServiceSuite) TestPublish() {
	rec, err := s.service.CreateRecord(s.ctx, s.nstr1, "goob", jsondoc.MustParse(`{"title":"T"}`), nil, CreateOptions{})
	s.Require().NoError(err)

	s.Run("only accepted records", func() {
		_, err := s.service.Publish(s.ctx, s.nstr1, rec.ID, "", "")
		s.requireCode(err, dErrors.CodeNotEditable)
	})

	_, err = s.service.Submit(s.ctx, s.nstr1, rec.ID, "", SubmitOptions{})
	s.Require().NoError(err)
	st, err := s.service.Publish(s.ctx, s.nstr1, rec.ID, "", "")
	s.Require().NoError(err)
	s.Equal(models.StatePublished, st.State)
	s.Equal("ark:/88434/mdm1-0001", st.PublishedAs)
	s.Equal("1.0.0", st.LastVersion)

	s.Run("revision bumps the version", func() {
		_, err := s.service.SetState(s.ctx, s.nstr1, rec.ID, string(models.StateEdit), "revising", false)
		s.Require().NoError(err)
		_, err = s.service.Finalize(s.ctx, s.nstr1, rec.ID, "")
		s.Require().NoError(err)
		v, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "@version")
		s.Require().NoError(err)
		s.jsonEq(`"1.1.0"`, v)
	})
}

func (s *ServiceSuite) TestSetState() {
	rec := s.create(s.nstr1, "goob")

	s.Run("needs admin", func() {
		_, err := s.service.SetState(s.ctx, s.gurn, rec.ID, string(models.StateReady), "", false)
		s.requireCode(err, dErrors.CodeForbidden)
	})

	s.Run("unknown state without force", func() {
		_, err := s.service.SetState(s.ctx, s.admin, rec.ID, "frozen", "", false)
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("forced", func() {
		st, err := s.service.SetState(s.ctx, s.admin, rec.ID, "frozen", "", true)
		s.Require().NoError(err)
		s.Equal(models.State("frozen"), st.State)
		s.Equal("state set to frozen", st.Message)
	})

	last, err := s.service.LastAction(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.ActionSetState, last.ProcessName())
}

func (s *ServiceSuite) TestUpdateStatusMessage() {
	rec := s.create(s.nstr1, "goob")
	st, err := s.service.UpdateStatusMessage(s.ctx, s.nstr1, rec.ID, "waiting on co-authors")
	s.Require().NoError(err)
	s.Equal("waiting on co-authors", st.Message)
	s.Equal(models.ActionComment, st.Action)
	s.Equal([]string{"CREATE", "COMMENT"}, s.history(rec.ID))
}
