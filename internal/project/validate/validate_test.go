package validate

//go:generate mockgen -source=validate.go -destination=mocks/mocks.go -package=mocks Validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midas/internal/project/models"
	"midas/pkg/jsondoc"
)

func record(t *testing.T, data string) *models.ProjectRecord {
	t.Helper()
	rec, err := models.NewProjectRecord("mds3:0001", "goob", "nstr1", time.Now())
	require.NoError(t, err)
	rec.Data = jsondoc.MustParse(data)
	return rec
}

func TestRequiredPaths(t *testing.T) {
	v, err := NewRequiredPaths("title", "contact/email")
	require.NoError(t, err)

	tests := []struct {
		name     string
		data     string
		failures int
	}{
		{"complete", `{"title":"Goob","contact":{"email":"a@b"}}`, 0},
		{"missing both", `{}`, 2},
		{"empty title", `{"title":"","contact":{"email":"a@b"}}`, 1},
		{"null email", `{"title":"Goob","contact":{"email":null}}`, 1},
		{"scalar parent", `{"title":"Goob","contact":"nobody"}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := v.Validate(context.Background(), record(t, tt.data))
			require.NoError(t, err)
			assert.Len(t, rep.Failures, tt.failures)
			assert.Equal(t, tt.failures == 0, rep.OK())
		})
	}
}

func TestNewRequiredPathsRejectsBadPaths(t *testing.T) {
	_, err := NewRequiredPaths("")
	assert.Error(t, err)
	_, err = NewRequiredPaths("a//b")
	assert.ErrorIs(t, err, jsondoc.ErrBadPath)
}

func TestAllConcatenates(t *testing.T) {
	a, err := NewRequiredPaths("title")
	require.NoError(t, err)
	b, err := NewRequiredPaths("keywords")
	require.NoError(t, err)

	rep, err := All{a, b}.Validate(context.Background(), record(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"missing required property: title", "missing required property: keywords"}, rep.Failures)
}
