package ml

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnister/ml/mltest"
)

func trainDigits(t *testing.T, perClass int, params Params) (*SVC, [][]float64, []int) {
	t.Helper()
	x, y := mltest.Digits(perClass, 1)
	model := NewSVC(params)
	require.NoError(t, model.Train(context.Background(), x, y))
	return model, x, y
}

func TestPowi(t *testing.T) {
	for _, base := range []float64{-2.5, 0, 0.3, 1, 7} {
		for _, d := range []int{1, 2, 3, 5} {
			assert.InDelta(t, math.Pow(base, float64(d)), powi(base, d), 1e-9, "base=%g d=%d", base, d)
		}
	}
}

func TestPolyKernelEval(t *testing.T) {
	k := PolyKernel{Degree: 2, Gamma: 0.5, Coef0: 1}
	// (0.5*(1*3 + 2*4) + 1)^2 = 6.5^2
	assert.Equal(t, 42.25, k.Eval([]float64{1, 2}, []float64{3, 4}))
}

func TestSVCTrainPredict(t *testing.T) {
	model, x, y := trainDigits(t, 12, DefaultParams())

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, model.Classes)
	assert.Len(t, model.Machines, 45)
	assert.NotEmpty(t, model.SupportVectors)
	assert.InDelta(t, 1.0/784, model.Kernel.Gamma, 1e-15)

	score, err := model.Score(x, y)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.95)

	holdX, holdY := mltest.Digits(5, 99)
	score, err = model.Score(holdX, holdY)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.9)
}

func TestSVCPredictAlwaysReturnsKnownClass(t *testing.T) {
	model, _, _ := trainDigits(t, 8, DefaultParams())
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		label, share, err := model.Predict(mltest.RandomVector(rng))
		require.NoError(t, err)
		assert.True(t, label >= 0 && label <= 9, "label %d", label)
		assert.True(t, share > 0 && share <= 1, "share %f", share)
	}
}

func TestSVCTwoClasses(t *testing.T) {
	x := [][]float64{{10, 1}, {9, 2}, {11, 1}, {1, 10}, {2, 9}, {1, 11}}
	y := []int{3, 3, 3, 7, 7, 7}
	model := NewSVC(Params{C: 10, Degree: 2})
	require.NoError(t, model.Train(context.Background(), x, y))

	label, share, err := model.Predict([]float64{12, 0})
	require.NoError(t, err)
	assert.Equal(t, 3, label)
	assert.Equal(t, 1.0, share)

	label, _, err = model.Predict([]float64{0, 12})
	require.NoError(t, err)
	assert.Equal(t, 7, label)
}

func TestSVCWorkersDoNotChangeModel(t *testing.T) {
	serial := DefaultParams()
	serial.Workers = 1
	parallel := DefaultParams()
	parallel.Workers = 8

	a, x, _ := trainDigits(t, 6, serial)
	b, _, _ := trainDigits(t, 6, parallel)
	assert.Equal(t, a.Machines, b.Machines)
	assert.Equal(t, a.SupportVectors, b.SupportVectors)
	for _, v := range x {
		la, _, _ := a.Predict(v)
		lb, _, _ := b.Predict(v)
		assert.Equal(t, la, lb)
	}
}

func TestSVCTrainErrors(t *testing.T) {
	ctx := context.Background()
	cases := map[string]struct {
		params Params
		x      [][]float64
		y      []int
	}{
		"empty":       {DefaultParams(), nil, nil},
		"mismatch":    {DefaultParams(), [][]float64{{1}, {2}}, []int{1}},
		"ragged":      {DefaultParams(), [][]float64{{1, 2}, {2}}, []int{0, 1}},
		"one class":   {DefaultParams(), [][]float64{{1}, {2}}, []int{4, 4}},
		"zero C":      {Params{C: 0, Degree: 3}, [][]float64{{1}, {2}}, []int{0, 1}},
		"zero degree": {Params{C: 1, Degree: 0}, [][]float64{{1}, {2}}, []int{0, 1}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewSVC(tc.params).Train(ctx, tc.x, tc.y)
			require.Error(t, err)
			assert.Equal(t, KindTraining, KindOf(err))
		})
	}
}

func TestSVCStrictMaxIter(t *testing.T) {
	x, y := mltest.Digits(6, 3)
	params := DefaultParams()
	params.MaxIter = 1
	params.Strict = true
	err := NewSVC(params).Train(context.Background(), x, y)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTraining))

	params.Strict = false
	model := NewSVC(params)
	require.NoError(t, model.Train(context.Background(), x, y))
	assert.Greater(t, model.Unconverged, 0)
}

func TestSVCPredictInvalid(t *testing.T) {
	_, _, err := NewSVC(DefaultParams()).Predict(make([]float64, NumFeatures))
	require.Error(t, err)

	model, _, _ := trainDigits(t, 4, DefaultParams())
	_, _, err = model.Predict(make([]float64, 10))
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestSVCTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x, y := mltest.Digits(4, 1)
	err := NewSVC(DefaultParams()).Train(ctx, x, y)
	assert.ErrorIs(t, err, context.Canceled)
}
