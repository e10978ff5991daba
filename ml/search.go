package ml

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Grid is an ordered hyperparameter grid. Points enumerate C in the outer loop and
// Degree in the inner loop, both in the order listed.
type Grid struct {
	C      []float64 `yaml:"c_values"`
	Degree []int     `yaml:"degrees"`
}

// DefaultGrid is the fixed search space for the digit classifier.
func DefaultGrid() Grid {
	return Grid{
		C:      []float64{1e-8, 1e-4, 1, 1e4, 1e8},
		Degree: []int{3, 2},
	}
}

// Points returns the grid in enumeration order.
func (g Grid) Points() []GridPoint {
	points := make([]GridPoint, 0, len(g.C)*len(g.Degree))
	for _, c := range g.C {
		for _, d := range g.Degree {
			points = append(points, GridPoint{C: c, Degree: d})
		}
	}
	return points
}

type GridPoint struct {
	C      float64 `json:"c"`
	Degree int     `json:"degree"`
}

// Evaluation is the cross-validated score of one grid point.
type Evaluation struct {
	Point    GridPoint     `json:"point"`
	Score    float64       `json:"score"`
	Duration time.Duration `json:"duration"`
}

// SearchResult is the outcome of a grid search, evaluations in grid order.
type SearchResult struct {
	Best        GridPoint     `json:"best"`
	BestScore   float64       `json:"best_score"`
	Evaluations []Evaluation  `json:"evaluations"`
	Duration    time.Duration `json:"duration"`
}

// Selector picks hyperparameters by stratified k-fold cross-validation.
type Selector struct {
	// Base supplies everything but C and Degree.
	Base    Params
	Folds   int
	Workers int
	Log     *zap.Logger
}

func NewSelector(base Params, folds, workers int, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{Base: base, Folds: folds, Workers: workers, Log: log}
}

// Select scores every grid point and returns the best one with an estimator refit on
// all of features/labels. Ties go to the earliest point in grid order.
func (s *Selector) Select(ctx context.Context, features [][]float64, labels []int, grid Grid) (SearchResult, *SVC, error) {
	const op = "select"
	start := time.Now()
	points := grid.Points()
	if len(points) == 0 {
		return SearchResult{}, nil, Ef(KindTraining, op, "empty grid")
	}
	if len(features) != len(labels) {
		return SearchResult{}, nil, Ef(KindTraining, op, "features and labels size mismatch: %d != %d", len(features), len(labels))
	}
	folds, err := StratifiedKFold(labels, s.folds())
	if err != nil {
		return SearchResult{}, nil, err
	}

	s.Log.Info("grid search started",
		zap.Int("combinations", len(points)),
		zap.Int("folds", len(folds)),
		zap.Int("samples", len(labels)))

	evals := make([]Evaluation, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i := range points {
		i := i
		g.Go(func() error {
			t := time.Now()
			score, err := s.crossValidate(gctx, points[i], features, labels, folds)
			if err != nil {
				return err
			}
			evals[i] = Evaluation{Point: points[i], Score: score, Duration: time.Since(t)}
			s.Log.Info("grid point scored",
				zap.Float64("c", points[i].C),
				zap.Int("degree", points[i].Degree),
				zap.Float64("score", score),
				zap.Duration("duration", evals[i].Duration))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return SearchResult{}, nil, ctx.Err()
		}
		return SearchResult{}, nil, err
	}

	best := pickBest(evals)

	model := NewSVC(s.paramsFor(points[best]))
	if err := model.Train(ctx, features, labels); err != nil {
		return SearchResult{}, nil, err
	}

	result := SearchResult{
		Best:        points[best],
		BestScore:   evals[best].Score,
		Evaluations: evals,
		Duration:    time.Since(start),
	}
	s.Log.Info("grid search completed",
		zap.Float64("best_c", result.Best.C),
		zap.Int("best_degree", result.Best.Degree),
		zap.Float64("best_score", result.BestScore),
		zap.Duration("duration", result.Duration))
	return result, model, nil
}

// crossValidate returns pooled accuracy: correct predictions over all folds divided by
// the number of samples.
func (s *Selector) crossValidate(ctx context.Context, point GridPoint, features [][]float64, labels []int, folds [][]int) (float64, error) {
	correct, total := 0, 0
	for f, testIdx := range folds {
		inTest := make(map[int]bool, len(testIdx))
		for _, i := range testIdx {
			inTest[i] = true
		}
		trainX := make([][]float64, 0, len(labels)-len(testIdx))
		trainY := make([]int, 0, len(labels)-len(testIdx))
		for i := range labels {
			if !inTest[i] {
				trainX = append(trainX, features[i])
				trainY = append(trainY, labels[i])
			}
		}
		testX := make([][]float64, len(testIdx))
		testY := make([]int, len(testIdx))
		for k, i := range testIdx {
			testX[k] = features[i]
			testY[k] = labels[i]
		}

		model := NewSVC(s.paramsFor(point))
		// Pairs run serially here; the grid already saturates the workers.
		model.Params.Workers = 1
		if err := model.Train(ctx, trainX, trainY); err != nil {
			return 0, E(KindTraining, "cross_validate", "fold "+strconv.Itoa(f), err)
		}
		c, err := model.countCorrect(testX, testY)
		if err != nil {
			return 0, err
		}
		correct += c
		total += len(testY)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}

// pickBest returns the index of the highest score; only a strictly greater score
// displaces an earlier point.
func pickBest(evals []Evaluation) int {
	best := 0
	for i := 1; i < len(evals); i++ {
		if evals[i].Score > evals[best].Score {
			best = i
		}
	}
	return best
}

func (s *Selector) paramsFor(point GridPoint) Params {
	p := s.Base
	p.C = point.C
	p.Degree = point.Degree
	return p
}

func (s *Selector) folds() int {
	if s.Folds < 2 {
		return 3
	}
	return s.Folds
}

func (s *Selector) workers() int {
	if s.Workers <= 0 {
		return 1
	}
	return s.Workers
}
