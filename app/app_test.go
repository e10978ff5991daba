package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"mnister/classifier"
	"mnister/config"
	"mnister/db"
	"mnister/ml"
	"mnister/ml/mltest"
)

// testConfig points every path into a temp dir and the dataset at a mirror that
// serves nothing, so any rebuild fails fast with KindDataUnavailable.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	mirror := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(mirror.Close)

	cfg := config.Default()
	cfg.Model.Path = filepath.Join(dir, "models", "model.bin")
	cfg.Database.Path = filepath.Join(dir, "training.db")
	cfg.Data.CacheDir = filepath.Join(dir, "mnist")
	cfg.Data.BaseURL = mirror.URL
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, log *zap.Logger) *App {
	t.Helper()
	a, err := New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func trainedModel(t *testing.T) *ml.SVC {
	t.Helper()
	x, y := mltest.Digits(4, 1)
	m := ml.NewSVC(ml.DefaultParams())
	require.NoError(t, m.Train(context.Background(), x, y))
	return m
}

func TestCorruptModelRecordsEvent(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Model.Path), 0o755))
	require.NoError(t, os.WriteFile(cfg.Model.Path, []byte("not a model"), 0o600))
	a := newApp(t, cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	err := a.Service.EnsureReady(ctx)
	require.Error(t, err)
	assert.Equal(t, ml.KindDataUnavailable, ml.KindOf(err))

	events, err := a.Training.Events(ctx, ml.KindCorruptModel.String())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, cfg.Model.Path)

	moved, err := filepath.Glob(cfg.Model.Path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, moved, 1)

	runs, err := a.Training.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.StatusFailed, runs[0].Status)
	assert.Equal(t, int64(1), a.Cache.Stats().CorruptLoads)
}

func TestSavedModelIsServed(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg, zaptest.NewLogger(t))
	require.NoError(t, a.Store.Save(trainedModel(t)))

	x, y := mltest.Digits(1, 9)
	label, err := a.Service.Classify(context.Background(), x[7])
	require.NoError(t, err)
	assert.Equal(t, y[7], label)

	events, err := a.Training.Events(context.Background(), ml.KindCorruptModel.String())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStartWatchInvalidatesOnSave(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Watch = true
	a := newApp(t, cfg, zap.NewNop())
	model := trainedModel(t)
	require.NoError(t, a.Store.Save(model))
	require.NoError(t, a.Service.EnsureReady(context.Background()))
	require.Equal(t, classifier.StateReady, a.Cache.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.StartWatch(ctx)

	require.Eventually(t, func() bool {
		if err := a.Store.Save(model); err != nil {
			return false
		}
		return a.Cache.State() == classifier.StateEmpty
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, a.Service.EnsureReady(context.Background()))
	assert.Equal(t, int64(2), a.Cache.Stats().Loads)
}

func TestStartWatchCreatesModelDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Watch = true
	a := newApp(t, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.StartWatch(ctx)
	assert.DirExists(t, filepath.Dir(cfg.Model.Path))
}
