// Package app wires the classifier components from a Config.
package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"mnister/classifier"
	"mnister/config"
	"mnister/dataset"
	"mnister/db"
	"mnister/ml"
	"mnister/pipeline"
)

type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Fetcher  *dataset.Fetcher
	Store    *ml.ModelStore
	Builder  *pipeline.Builder
	Cache    *classifier.Cache
	Service  *classifier.Service
	Training *db.TrainingLog
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	training, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	fetcher := dataset.NewFetcher(cfg.Data.BaseURL, cfg.Data.CacheDir, log.Named("dataset"))
	fetcher.Client = &http.Client{Timeout: cfg.Data.Timeout}
	fetcher.SkipVerify = cfg.Data.SkipVerify

	splitter := pipeline.NewDataSplitter(fetcher, cfg.Data.Seed, log.Named("split"))
	splitter.HyperoptFraction = cfg.Data.HyperoptFraction
	splitter.FulltrainFraction = cfg.Data.FulltrainFraction

	params := cfg.Params()
	store := ml.NewModelStore(cfg.Model.Path)
	builder := &pipeline.Builder{
		Data:     splitter,
		Selector: ml.NewSelector(params, cfg.Search.Folds, cfg.Search.Workers, log.Named("search")),
		Trainer:  ml.NewTrainer(params, log.Named("train")),
		Store:    store,
		Grid:     cfg.Grid(),
		Recorder: training,
		Log:      log.Named("pipeline"),
	}

	cacheLog := log.Named("cache")
	cache := classifier.NewCache(store, builder, classifier.Options{
		TTL: cfg.Model.CacheTTL,
		Log: cacheLog,
		OnCorrupt: func(ctx context.Context, err error) {
			if rerr := training.RecordEvent(ctx, ml.KindCorruptModel.String(), err.Error()); rerr != nil {
				cacheLog.Warn("record corrupt model event failed", zap.Error(rerr))
			}
		},
	})

	return &App{
		Config:   cfg,
		Log:      log,
		Fetcher:  fetcher,
		Store:    store,
		Builder:  builder,
		Cache:    cache,
		Service:  classifier.NewService(cache),
		Training: training,
	}, nil
}

// StartWatch runs the model file watcher in the background when enabled.
func (a *App) StartWatch(ctx context.Context) {
	if !a.Config.Model.Watch {
		return
	}
	// The directory must exist before the first build for the watch to attach.
	if err := os.MkdirAll(filepath.Dir(a.Config.Model.Path), 0o755); err != nil {
		a.Log.Warn("classifier watch not started", zap.Error(err))
		return
	}
	go func() {
		if err := classifier.Watch(ctx, a.Config.Model.Path, a.Service, a.Log.Named("watch")); err != nil {
			a.Log.Warn("classifier watch stopped", zap.Error(err))
		}
	}()
}

func (a *App) Close() error {
	_ = a.Log.Sync()
	return a.Training.Close()
}
