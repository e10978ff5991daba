package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *TrainingLog {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "training.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndListRuns(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := l.RecordRun(ctx, TrainingRun{
		ModelName: "svc_poly",
		C:         1e4,
		Degree:    3,
		CVScore:   0.91,
		Duration:  1500 * time.Millisecond,
		ModelPath: "models/model.bin",
		Status:    StatusSucceeded,
		TrainedAt: base,
	})
	require.NoError(t, err)
	_, err = l.RecordRun(ctx, TrainingRun{
		ModelName: "svc_poly",
		Status:    StatusFailed,
		Error:     "dataset.fetch: status 503",
		TrainedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, l.SetHoldoutAccuracy(ctx, first, 0.97))

	runs, err := l.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, "dataset.fetch: status 503", runs[0].Error)

	assert.Equal(t, first, runs[1].ID)
	assert.Equal(t, 1e4, runs[1].C)
	assert.Equal(t, 3, runs[1].Degree)
	assert.Equal(t, 0.97, runs[1].HoldoutAccuracy)
	assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
	assert.True(t, base.Equal(runs[1].TrainedAt))

	limited, err := l.RecentRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEvents(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()

	require.NoError(t, l.RecordEvent(ctx, "corrupt_model", "checksum mismatch"))
	require.NoError(t, l.RecordEvent(ctx, "corrupt_model", "bad magic"))
	require.NoError(t, l.RecordEvent(ctx, "rebuild", ""))

	events, err := l.Events(ctx, "corrupt_model")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "checksum mismatch", events[0].Detail)
	assert.Equal(t, "bad magic", events[1].Detail)
	assert.False(t, events[0].OccurredAt.IsZero())
}

func TestNilLog(t *testing.T) {
	var l *TrainingLog
	_, err := l.RecordRun(context.Background(), TrainingRun{})
	assert.Error(t, err)
	assert.NoError(t, l.Close())
}
