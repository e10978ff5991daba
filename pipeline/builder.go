package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mnister/db"
	"mnister/ml"
)

// DataSource yields the two training subsets.
type DataSource interface {
	GetData(ctx context.Context) (ml.SplitResult, error)
}

// RunRecorder stores the outcome of each build. Optional.
type RunRecorder interface {
	RecordRun(ctx context.Context, run db.TrainingRun) (int64, error)
}

// Report describes one completed build.
type Report struct {
	RunID            int64
	Model            *ml.SVC
	Search           ml.SearchResult
	HyperoptSamples  int
	FulltrainSamples int
	Duration         time.Duration
}

// Builder runs the whole model build: split, select, train, save.
type Builder struct {
	Data     DataSource
	Selector *ml.Selector
	Trainer  *ml.Trainer
	Store    *ml.ModelStore
	Grid     ml.Grid
	Recorder RunRecorder
	Log      *zap.Logger
}

// Build satisfies the cache's rebuild hook.
func (b *Builder) Build(ctx context.Context) (*ml.SVC, error) {
	report, err := b.Run(ctx)
	if err != nil {
		return nil, err
	}
	return report.Model, nil
}

// Run builds and persists a new model. The store is written only after training
// succeeds, so a failed run leaves any existing model file untouched.
func (b *Builder) Run(ctx context.Context) (*Report, error) {
	log := b.logger()
	start := time.Now()
	report := &Report{}

	split, err := b.Data.GetData(ctx)
	if err != nil {
		b.record(ctx, report, start, err)
		return nil, err
	}
	report.HyperoptSamples = len(split.HyperoptY)
	report.FulltrainSamples = len(split.FulltrainY)

	search, _, err := b.Selector.Select(ctx, split.HyperoptX, split.HyperoptY, b.Grid)
	if err != nil {
		b.record(ctx, report, start, err)
		return nil, err
	}
	report.Search = search

	model, err := b.Trainer.Train(ctx, search.Best, split.FulltrainX, split.FulltrainY)
	if err != nil {
		b.record(ctx, report, start, err)
		return nil, err
	}
	report.Model = model

	if err := b.Store.Save(model); err != nil {
		b.record(ctx, report, start, err)
		return nil, err
	}
	report.Duration = time.Since(start)
	b.record(ctx, report, start, nil)

	log.Info("model build complete",
		zap.Float64("c", search.Best.C),
		zap.Int("degree", search.Best.Degree),
		zap.Float64("cv_score", search.BestScore),
		zap.String("path", b.Store.Path()),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (b *Builder) record(ctx context.Context, report *Report, start time.Time, buildErr error) {
	if b.Recorder == nil {
		return
	}
	run := db.TrainingRun{
		ModelName:        "svc_poly",
		C:                report.Search.Best.C,
		Degree:           report.Search.Best.Degree,
		CVScore:          report.Search.BestScore,
		HyperoptSamples:  report.HyperoptSamples,
		FulltrainSamples: report.FulltrainSamples,
		Duration:         time.Since(start),
		ModelPath:        b.Store.Path(),
		Status:           db.StatusSucceeded,
		TrainedAt:        time.Now(),
	}
	if report.Model != nil {
		run.SupportVectors = len(report.Model.SupportVectors)
	}
	if buildErr != nil {
		run.Status = db.StatusFailed
		run.Error = buildErr.Error()
	}
	// The record must land even when the build was cancelled.
	id, err := b.Recorder.RecordRun(context.WithoutCancel(ctx), run)
	if err != nil {
		b.logger().Warn("record training run failed", zap.Error(err))
		return
	}
	report.RunID = id
}

func (b *Builder) logger() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}
