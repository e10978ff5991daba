package classifier

import (
	"context"
	"math"

	"mnister/ml"
)

const ImageSize = 28

// Service is what the serving layer talks to.
type Service struct {
	cache *Cache
}

func NewService(cache *Cache) *Service {
	return &Service{cache: cache}
}

func (s *Service) GetClassifier(ctx context.Context) (*ml.SVC, error) {
	return s.cache.Get(ctx)
}

// EnsureReady warms the cache. Calling it again while the model is cached is a no-op.
func (s *Service) EnsureReady(ctx context.Context) error {
	_, err := s.cache.Get(ctx)
	return err
}

// Invalidate forces the next request to reload the model. It is the file watcher's target.
func (s *Service) Invalidate() {
	s.cache.Invalidate()
}

// Classify predicts the digit for a flattened 28x28 image.
func (s *Service) Classify(ctx context.Context, vector []float64) (int, error) {
	if err := ValidateVector(vector); err != nil {
		return 0, err
	}
	model, err := s.cache.Get(ctx)
	if err != nil {
		return 0, err
	}
	label, _, err := model.Predict(vector)
	return label, err
}

// ClassifyImage validates a 28x28 image, flattens it row by row and classifies it.
func (s *Service) ClassifyImage(ctx context.Context, image [][]float64) (int, error) {
	vector, err := Flatten(image)
	if err != nil {
		return 0, err
	}
	return s.Classify(ctx, vector)
}

func ValidateVector(vector []float64) error {
	if len(vector) != ml.NumFeatures {
		return ml.Ef(ml.KindInvalidInput, "classify", "expected %d values, got %d", ml.NumFeatures, len(vector))
	}
	for i, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ml.Ef(ml.KindInvalidInput, "classify", "value %d is not a finite number", i)
		}
	}
	return nil
}

func Flatten(image [][]float64) ([]float64, error) {
	if len(image) != ImageSize {
		return nil, ml.Ef(ml.KindInvalidInput, "classify", "image size must be 28x28, got %d rows", len(image))
	}
	vector := make([]float64, 0, ml.NumFeatures)
	for r, row := range image {
		if len(row) != ImageSize {
			return nil, ml.Ef(ml.KindInvalidInput, "classify", "image size must be 28x28, row %d has %d columns", r, len(row))
		}
		vector = append(vector, row...)
	}
	return vector, nil
}
