package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mnister/dataset"
	"mnister/ml"
)

type fakeFetcher struct {
	data *dataset.Dataset
	err  error
}

func (f *fakeFetcher) Fetch(context.Context) (*dataset.Dataset, error) {
	return f.data, f.err
}

// syntheticDataset has n samples labelled i%10, each marking pixel 1+label.
func syntheticDataset(n int) *dataset.Dataset {
	d := &dataset.Dataset{}
	for i := 0; i < n; i++ {
		img := make([]byte, ml.NumFeatures)
		img[1+i%10] = 255
		d.Images = append(d.Images, img)
		d.Labels = append(d.Labels, i%10)
	}
	return d
}

func TestGetDataSplitsThousandSamples(t *testing.T) {
	splitter := NewDataSplitter(&fakeFetcher{data: syntheticDataset(1000)}, 7, zaptest.NewLogger(t))

	split, err := splitter.GetData(context.Background())
	require.NoError(t, err)
	require.Len(t, split.HyperoptX, 50)
	require.Len(t, split.HyperoptY, 50)
	require.Len(t, split.FulltrainX, 200)
	require.Len(t, split.FulltrainY, 200)

	hyper := make(map[int]int)
	for i, y := range split.HyperoptY {
		hyper[y]++
		assert.Len(t, split.HyperoptX[i], ml.NumFeatures)
		assert.Equal(t, 255.0, split.HyperoptX[i][1+y], "features must stay paired with labels")
	}
	full := make(map[int]int)
	for _, y := range split.FulltrainY {
		full[y]++
	}
	for c := 0; c < 10; c++ {
		assert.Equal(t, 5, hyper[c], "hyperopt class %d", c)
		assert.Equal(t, 20, full[c], "fulltrain class %d", c)
	}
}

func TestGetDataSeededIsReproducible(t *testing.T) {
	data := syntheticDataset(1000)
	a, err := NewDataSplitter(&fakeFetcher{data: data}, 99, nil).GetData(context.Background())
	require.NoError(t, err)
	b, err := NewDataSplitter(&fakeFetcher{data: data}, 99, nil).GetData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.HyperoptX, b.HyperoptX)
	assert.Equal(t, a.FulltrainY, b.FulltrainY)
}

func TestSplitNeverTouchesHoldout(t *testing.T) {
	data := syntheticDataset(1200)
	for i := 1000; i < data.Len(); i++ {
		data.Images[i][ml.NumFeatures-1] = 1
	}
	splitter := NewDataSplitter(nil, 3, nil)
	splitter.PoolSize = 1000

	split, err := splitter.Split(data)
	require.NoError(t, err)
	assert.Len(t, split.HyperoptY, 50)
	assert.Len(t, split.FulltrainY, 200)
	for _, v := range append(split.HyperoptX, split.FulltrainX...) {
		assert.Zero(t, v[ml.NumFeatures-1], "holdout sample leaked into training subsets")
	}
}

func TestGetDataFetchFailure(t *testing.T) {
	splitter := NewDataSplitter(&fakeFetcher{err: errors.New("connection refused")}, 1, nil)
	_, err := splitter.GetData(context.Background())
	require.Error(t, err)
	assert.Equal(t, ml.KindDataUnavailable, ml.KindOf(err))

	kinded := ml.Ef(ml.KindDataUnavailable, "dataset.fetch", "status %d", 503)
	splitter = NewDataSplitter(&fakeFetcher{err: kinded}, 1, nil)
	_, err = splitter.GetData(context.Background())
	assert.Same(t, kinded, err)
}

func TestGetDataTooFewSamples(t *testing.T) {
	splitter := NewDataSplitter(&fakeFetcher{data: syntheticDataset(40)}, 1, nil)
	_, err := splitter.GetData(context.Background())
	require.Error(t, err)
	assert.Equal(t, ml.KindDataUnavailable, ml.KindOf(err))
}
