package minter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"midas/internal/project/models"
	dErrors "midas/pkg/domain-errors"
)

type counter struct {
	mu   sync.Mutex
	next map[string]int
	err  error
}

func (c *counter) NextSequenceFor(_ context.Context, shoulder string) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == nil {
		c.next = map[string]int{}
	}
	c.next[shoulder]++
	return c.next[shoulder], nil
}

type MinterSuite struct {
	suite.Suite
	seq    *counter
	minter *Minter
}

func TestMinterSuite(t *testing.T) {
	suite.Run(t, new(MinterSuite))
}

func (s *MinterSuite) SetupTest() {
	s.seq = &counter{}
	m, err := New(s.seq, Policy{
		DefaultShoulder: "mdm0",
		Groups: map[string]Group{
			"midas":   {DefaultShoulder: "mdm1", AllowedShoulders: []string{"mdmx"}},
			"default": {AllowedShoulders: []string{"pub"}},
		},
		LocalIDProviders: []string{"pdr0"},
	})
	s.Require().NoError(err)
	s.minter = m
}

func (s *MinterSuite) agent(class string) *models.Agent {
	a, err := models.NewAgent("test", models.ActorUser, "nstr1", class)
	s.Require().NoError(err)
	return a
}

// TestShoulder verifies the group-then-collection selection order.
func (s *MinterSuite) TestShoulder() {
	s.Run("group default wins", func() {
		sh, err := s.minter.Shoulder(s.agent("midas"), "")
		s.Require().NoError(err)
		s.Equal("mdm1", sh)
	})

	s.Run("unknown class uses default group, then collection default", func() {
		sh, err := s.minter.Shoulder(s.agent("other"), "")
		s.Require().NoError(err)
		s.Equal("mdm0", sh)
	})

	s.Run("requested shoulder must be allowed", func() {
		sh, err := s.minter.Shoulder(s.agent("midas"), "mdmx")
		s.Require().NoError(err)
		s.Equal("mdmx", sh)

		_, err = s.minter.Shoulder(s.agent("midas"), "pub")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("no mapping at all is not authorized", func() {
		m, err := New(s.seq, Policy{})
		s.Require().NoError(err)
		_, err = m.Shoulder(s.agent("midas"), "")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

// TestMint verifies id formatting and local-id handling.
func (s *MinterSuite) TestMint() {
	ctx := context.Background()

	s.Run("pads to four digits", func() {
		id, err := s.minter.Mint(ctx, "mdm1", "goob")
		s.Require().NoError(err)
		s.Equal("mdm1:0001", id)
		s.True(ValidID(id))
	})

	s.Run("grows beyond four digits", func() {
		s.Equal("mdm1:12345", Format("mdm1", 12345))
		s.True(ValidID("mdm1:12345"))
		s.False(ValidID("mdm1:12"))
		s.False(ValidID("md-1:0001"))
	})

	s.Run("local id providers use the name", func() {
		id, err := s.minter.Mint(ctx, "pdr0", "ark-1234.x")
		s.Require().NoError(err)
		s.Equal("pdr0:ark-1234.x", id)
		s.Empty(s.seq.next["pdr0"], "counter untouched")

		_, err = s.minter.Mint(ctx, "pdr0", "bad name")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidUpdate))
	})

	s.Run("counter failure is internal", func() {
		s.seq.err = errors.New("disk full")
		_, err := s.minter.Mint(ctx, "mdm1", "x")
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

// TestPolicyValidate verifies malformed shoulders are configuration errors.
func (s *MinterSuite) TestPolicyValidate() {
	_, err := New(s.seq, Policy{DefaultShoulder: "mdm:1"})
	s.True(dErrors.HasCode(err, dErrors.CodeConfiguration))

	_, err = New(nil, Policy{})
	s.True(dErrors.HasCode(err, dErrors.CodeConfiguration))
}
