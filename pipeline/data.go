package pipeline

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"mnister/dataset"
	"mnister/ml"
)

// Fetcher produces the full ordered dataset.
type Fetcher interface {
	Fetch(ctx context.Context) (*dataset.Dataset, error)
}

// DataSplitter turns the dataset's training pool into the hyperopt and fulltrain subsets.
type DataSplitter struct {
	Fetcher           Fetcher
	PoolSize          int
	HyperoptFraction  float64
	FulltrainFraction float64
	// Seed 0 means a time-based seed.
	Seed int64
	Log  *zap.Logger
}

func NewDataSplitter(fetcher Fetcher, seed int64, log *zap.Logger) *DataSplitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &DataSplitter{
		Fetcher:           fetcher,
		PoolSize:          dataset.TrainPoolSize,
		HyperoptFraction:  0.05,
		FulltrainFraction: 0.2,
		Seed:              seed,
		Log:               log,
	}
}

func (d *DataSplitter) GetData(ctx context.Context) (ml.SplitResult, error) {
	data, err := d.Fetcher.Fetch(ctx)
	if err != nil {
		if ml.IsKind(err, ml.KindDataUnavailable) {
			return ml.SplitResult{}, err
		}
		return ml.SplitResult{}, ml.E(ml.KindDataUnavailable, "get_data", "fetch", err)
	}
	return d.Split(data)
}

// Split applies the training-pool cut and the stratified split to an already loaded dataset.
func (d *DataSplitter) Split(data *dataset.Dataset) (ml.SplitResult, error) {
	pool := data.TrainingPool(d.PoolSize)
	seed := d.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	hyperIdx, fullIdx, err := ml.StratifiedSplit(pool.Labels, d.HyperoptFraction, d.FulltrainFraction, rng)
	if err != nil {
		return ml.SplitResult{}, err
	}
	var out ml.SplitResult
	out.HyperoptX, out.HyperoptY = pool.Features(hyperIdx)
	out.FulltrainX, out.FulltrainY = pool.Features(fullIdx)

	d.Log.Info("training pool split",
		zap.Int("pool", pool.Len()),
		zap.Int("hyperopt", len(out.HyperoptY)),
		zap.Int("fulltrain", len(out.FulltrainY)),
		zap.Int64("seed", seed))
	return out, nil
}
