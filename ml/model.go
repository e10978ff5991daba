package ml

import "context"

// NumFeatures is the length of a flattened 28x28 image.
const NumFeatures = 28 * 28

type MLModel interface {
	Train(ctx context.Context, features [][]float64, labels []int) error
	Predict(features []float64) (int, float64, error)
}

// Accuracy returns the fraction of samples model labels correctly.
func Accuracy(model MLModel, features [][]float64, labels []int) (float64, error) {
	if len(features) != len(labels) {
		return 0, Ef(KindInvalidInput, "accuracy", "features and labels size mismatch: %d != %d", len(features), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}
	correct := 0
	for i, f := range features {
		label, _, err := model.Predict(f)
		if err != nil {
			return 0, err
		}
		if label == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}

// SplitResult holds the two disjoint stratified subsets of the training pool.
type SplitResult struct {
	HyperoptX  [][]float64
	FulltrainX [][]float64
	HyperoptY  []int
	FulltrainY []int
}
