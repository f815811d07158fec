package notifier_test

//go:generate mockgen -source=notifier.go -destination=mocks/mocks.go -package=mocks Notifier

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"midas/internal/project/notifier"
	"midas/internal/project/notifier/mocks"
	"midas/pkg/platform/circuit"
)

func TestNewEventHasUniqueIDs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := notifier.NewEvent("create", "dmp", "mdm1:0001", "nstr1", now)
	b := notifier.NewEvent("create", "dmp", "mdm1:0001", "nstr1", now)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, now, a.Time)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := notifier.NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, n.Notify(context.Background(), notifier.NewEvent("submit", "dap", "mds3:0001", "nstr1", time.Now())))
	assert.Contains(t, buf.String(), `"record_id":"mds3:0001"`)
	assert.Contains(t, buf.String(), `"msg":"record_changed"`)

	assert.NoError(t, notifier.NewLog(nil).Notify(context.Background(), notifier.Event{}))
}

func TestMultiCollectsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ok := mocks.NewMockNotifier(ctrl)
	bad1 := mocks.NewMockNotifier(ctrl)
	bad2 := mocks.NewMockNotifier(ctrl)
	e := notifier.NewEvent("patch", "dmp", "mdm1:0001", "nstr1", time.Now())

	ok.EXPECT().Notify(gomock.Any(), e).Return(nil)
	bad1.EXPECT().Notify(gomock.Any(), e).Return(errors.New("down"))
	bad2.EXPECT().Notify(gomock.Any(), e).Return(errors.New("also down"))

	err := notifier.Multi{bad1, ok, bad2}.Notify(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Contains(t, err.Error(), "also down")

	assert.NoError(t, notifier.Multi{}.Notify(context.Background(), e))
}

func TestGuardedFallsBackWhileOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	primary := mocks.NewMockNotifier(ctrl)
	fallback := mocks.NewMockNotifier(ctrl)
	g := &notifier.Guarded{
		Primary:  primary,
		Fallback: fallback,
		Breaker:  circuit.New("redis", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1)),
	}
	ctx := context.Background()
	e := notifier.NewEvent("update", "dmp", "mdm1:0001", "nstr1", time.Now())
	down := errors.New("connection refused")

	primary.EXPECT().Notify(gomock.Any(), e).Return(down)
	assert.ErrorIs(t, g.Notify(ctx, e), down)

	primary.EXPECT().Notify(gomock.Any(), e).Return(down)
	fallback.EXPECT().Notify(gomock.Any(), e).Return(nil)
	assert.NoError(t, g.Notify(ctx, e))
	assert.True(t, g.Breaker.IsOpen())

	primary.EXPECT().Notify(gomock.Any(), e).Return(nil)
	assert.NoError(t, g.Notify(ctx, e))
	assert.False(t, g.Breaker.IsOpen())
}
