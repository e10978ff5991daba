package ml

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Trainer refits a selected configuration on the full-training subset.
type Trainer struct {
	Base Params
	Log  *zap.Logger
}

func NewTrainer(base Params, log *zap.Logger) *Trainer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{Base: base, Log: log}
}

// Train returns a fresh estimator. It never reuses the search estimator, so samples
// seen during the search cannot leak into the deployed model.
func (t *Trainer) Train(ctx context.Context, point GridPoint, features [][]float64, labels []int) (*SVC, error) {
	params := t.Base
	params.C = point.C
	params.Degree = point.Degree

	start := time.Now()
	model := NewSVC(params)
	if err := model.Train(ctx, features, labels); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if IsKind(err, KindTraining) {
			return nil, err
		}
		return nil, E(KindTraining, "train", "fit failed", err)
	}
	if model.Unconverged > 0 {
		t.Log.Warn("some machines stopped at max_iter",
			zap.Int("unconverged", model.Unconverged),
			zap.Int("machines", len(model.Machines)))
	}
	t.Log.Info("model trained",
		zap.String("params", params.String()),
		zap.Int("samples", len(labels)),
		zap.Int("support_vectors", len(model.SupportVectors)),
		zap.Duration("duration", time.Since(start)))
	return model, nil
}
