package service

import (
	"midas/internal/project/models"
	dErrors "midas/pkg/domain-errors"
	"midas/pkg/jsondoc"
)

// =============================================================================
// Data Tests
// =============================================================================

// TestMergeKeepsSiblings verifies a merge at a part leaves the part's other
// keys and the rest of the document alone.
func (s *ServiceSuite) TestMergeKeepsSiblings() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"title":"T","pos":{"x":1,"y":2}}`), "")
	s.Require().NoError(err)

	out, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "pos", jsondoc.MustParse(`{"x":5}`), "")
	s.Require().NoError(err)
	s.jsonEq(`{"x":5,"y":2}`, out)

	data, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "")
	s.Require().NoError(err)
	s.jsonEq(`{"title":"T","pos":{"x":5,"y":2}}`, data)

	s.Run("scalar leaf", func() {
		out, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "pos/y", jsondoc.Int(9), "")
		s.Require().NoError(err)
		s.jsonEq(`9`, out)
	})

	s.Run("new intermediate objects", func() {
		out, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "contact/email", jsondoc.String("a@b.c"), "")
		s.Require().NoError(err)
		s.jsonEq(`"a@b.c"`, out)
		got, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "contact")
		s.Require().NoError(err)
		s.jsonEq(`{"email":"a@b.c"}`, got)
	})

	s.Run("root must stay an object", func() {
		_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.String("flat"), "")
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("provenance subject", func() {
		last, err := s.service.LastAction(s.ctx, s.nstr1, rec.ID)
		s.Require().NoError(err)
		s.Equal("PATCH", string(last.Type))
		s.Require().Len(last.Subactions, 1)
		s.Equal(rec.ID+"#data.contact.email", last.Subactions[0].Subject)
	})
}

// TestReplaceDropsKeys verifies replacing a part discards what was there.
func (s *ServiceSuite) TestReplaceDropsKeys() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"title":"T","pos":{"x":1,"y":2}}`), "")
	s.Require().NoError(err)

	out, err := s.service.ReplaceData(s.ctx, s.nstr1, rec.ID, "pos", jsondoc.MustParse(`{"z":3}`), "")
	s.Require().NoError(err)
	s.jsonEq(`{"z":3}`, out)

	out, err = s.service.ReplaceData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"only":true}`), "")
	s.Require().NoError(err)
	s.jsonEq(`{"only":true}`, out)

	last, err := s.service.LastAction(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal("PUT", string(last.Type))
	s.Equal("replaced data", last.Message)
}

// TestBadPathLeavesDataUnchanged verifies failed writes report the right
// failure and change nothing.
func (s *ServiceSuite) TestBadPathLeavesDataUnchanged() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"title":"T","authors":["a","b"]}`), "")
	s.Require().NoError(err)

	cases := []struct {
		name string
		part string
		code dErrors.Code
	}{
		{"index past the end", "authors/5", dErrors.CodePartNotAccessible},
		{"non-numeric index", "authors/first", dErrors.CodePartNotAccessible},
		{"descending into a string", "title/sub", dErrors.CodePartNotAccessible},
		{"empty step", "pos//x", dErrors.CodeInvalidUpdate},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, tc.part, jsondoc.String("c"), "")
			s.requireCode(err, tc.code)
		})
	}

	data, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "")
	s.Require().NoError(err)
	s.jsonEq(`{"title":"T","authors":["a","b"]}`, data)
	s.Len(s.history(rec.ID), 2)

	s.Run("reads", func() {
		v, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "authors/1")
		s.Require().NoError(err)
		s.jsonEq(`"b"`, v)
		_, err = s.service.GetData(s.ctx, s.nstr1, rec.ID, "missing")
		s.requireCode(err, dErrors.CodeNotFound)
		_, err = s.service.GetData(s.ctx, s.nstr1, rec.ID, "authors/7")
		s.requireCode(err, dErrors.CodeNotFound)
		_, err = s.service.GetData(s.ctx, s.nstr1, rec.ID, "title/sub")
		s.requireCode(err, dErrors.CodePartNotAccessible)
	})
}

func (s *ServiceSuite) TestPatchData() {
	rec := s.create(s.nstr1, "goob")

	err := s.service.PatchData(s.ctx, s.nstr1, rec.ID, []PathUpdate{
		{Path: "pos/x", Value: jsondoc.Int(1)},
		{Path: "title", Value: jsondoc.String("T")},
	}, "")
	s.Require().NoError(err)
	data, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "")
	s.Require().NoError(err)
	s.jsonEq(`{"pos":{"x":1},"title":"T"}`, data)

	last, err := s.service.LastAction(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal("updated 2 data parts", last.Message)
	s.Require().Len(last.Subactions, 2)
	s.Equal(rec.ID+"#data.pos.x", last.Subactions[0].Subject)
	s.Equal(rec.ID+"#data.title", last.Subactions[1].Subject)

	s.Run("overlapping paths", func() {
		err := s.service.PatchData(s.ctx, s.nstr1, rec.ID, []PathUpdate{
			{Path: "pos", Value: jsondoc.MustParse(`{"y":2}`)},
			{Path: "pos/x", Value: jsondoc.Int(2)},
		}, "")
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("empty", func() {
		err := s.service.PatchData(s.ctx, s.nstr1, rec.ID, nil, "")
		s.requireCode(err, dErrors.CodeInvalidUpdate)
	})

	s.Run("one bad path fails the whole patch", func() {
		err := s.service.PatchData(s.ctx, s.nstr1, rec.ID, []PathUpdate{
			{Path: "subtitle", Value: jsondoc.String("S")},
			{Path: "title/x", Value: jsondoc.Int(2)},
		}, "")
		s.requireCode(err, dErrors.CodePartNotAccessible)
		_, err = s.service.GetData(s.ctx, s.nstr1, rec.ID, "subtitle")
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Len(s.history(rec.ID), 2)
}

func (s *ServiceSuite) TestClearData() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"title":"T","pos":{"x":1}}`), "")
	s.Require().NoError(err)

	cleared, err := s.service.ClearData(s.ctx, s.nstr1, rec.ID, "pos", "")
	s.Require().NoError(err)
	s.True(cleared)
	cleared, err = s.service.ClearData(s.ctx, s.nstr1, rec.ID, "pos", "")
	s.Require().NoError(err)
	s.False(cleared)

	cleared, err = s.service.ClearData(s.ctx, s.nstr1, rec.ID, "", "")
	s.Require().NoError(err)
	s.True(cleared)
	data, err := s.service.GetData(s.ctx, s.nstr1, rec.ID, "")
	s.Require().NoError(err)
	s.jsonEq(`{}`, data)

	entries, err := s.service.History(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 4)
	s.Equal(rec.ID+"#data.pos", entries[2].Subject)
	s.Equal(rec.ID+"#data", entries[3].Subject)
	s.Equal("cleared data", entries[3].Message)
}

func (s *ServiceSuite) TestUpdateMeta() {
	rec := s.create(s.nstr1, "goob")
	meta, err := s.service.UpdateMeta(s.ctx, s.nstr1, rec.ID, jsondoc.NewObject(jsondoc.P("resType", jsondoc.String("dmp"))), "")
	s.Require().NoError(err)
	s.jsonEq(`{"resType":"dmp"}`, meta)

	s.Run("allowed outside edit", func() {
		_, err := s.service.SetState(s.ctx, s.admin, rec.ID, string(models.StateSubmitted), "", false)
		s.Require().NoError(err)
		meta, err := s.service.UpdateMeta(s.ctx, s.nstr1, rec.ID, jsondoc.NewObject(jsondoc.P("agent", jsondoc.String("midas"))), "")
		s.Require().NoError(err)
		s.jsonEq(`{"resType":"dmp","agent":"midas"}`, meta)
	})

	last, err := s.service.LastAction(s.ctx, s.nstr1, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID+"#meta", last.Subject)
}

// TestEditsRequireEditableState verifies data writes are refused once a
// record leaves edit and ready.
func (s *ServiceSuite) TestEditsRequireEditableState() {
	rec := s.create(s.nstr1, "goob")
	_, err := s.service.SetState(s.ctx, s.admin, rec.ID, string(models.StateSubmitted), "", false)
	s.Require().NoError(err)

	_, err = s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"a":1}`), "")
	s.requireCode(err, dErrors.CodeNotEditable)
	_, err = s.service.ReplaceData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"a":1}`), "")
	s.requireCode(err, dErrors.CodeNotEditable)
	_, err = s.service.ClearData(s.ctx, s.nstr1, rec.ID, "", "")
	s.requireCode(err, dErrors.CodeNotEditable)
	err = s.service.PatchData(s.ctx, s.nstr1, rec.ID, []PathUpdate{{Path: "a", Value: jsondoc.Int(1)}}, "")
	s.requireCode(err, dErrors.CodeNotEditable)
}

// TestProvenanceCountsMutations verifies every successful mutation adds
// exactly one entry and failures and reads add none.
func (s *ServiceSuite) TestProvenanceCountsMutations() {
	rec := s.create(s.nstr1, "goob")
	mutations := 1

	_, err := s.service.UpdateData(s.ctx, s.nstr1, rec.ID, "", jsondoc.MustParse(`{"a":1}`), "")
	s.Require().NoError(err)
	mutations++
	_, err = s.service.ReplaceData(s.ctx, s.nstr1, rec.ID, "a", jsondoc.Int(2), "")
	s.Require().NoError(err)
	mutations++
	_, err = s.service.GrantPerm(s.ctx, s.nstr1, rec.ID, models.PermRead, "gurn")
	s.Require().NoError(err)
	mutations++
	_, err = s.service.UpdateStatusMessage(s.ctx, s.nstr1, rec.ID, "halfway")
	s.Require().NoError(err)
	mutations++

	_, err = s.service.GetData(s.ctx, s.gurn, rec.ID, "a")
	s.Require().NoError(err)
	_, err = s.service.UpdateData(s.ctx, s.gurn, rec.ID, "a", jsondoc.Int(3), "")
	s.requireCode(err, dErrors.CodeForbidden)

	s.Len(s.history(rec.ID), mutations)
}
