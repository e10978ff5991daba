package ml

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Params configures an SVC with a polynomial kernel.
type Params struct {
	C      float64 `json:"c" yaml:"c"`
	Degree int     `json:"degree" yaml:"degree"`
	// Gamma <= 0 means 1/n_features, resolved at fit time.
	Gamma float64 `json:"gamma" yaml:"gamma"`
	Coef0 float64 `json:"coef0" yaml:"coef0"`

	Tolerance float64 `json:"tolerance" yaml:"tolerance"`
	CacheRows int     `json:"cache_rows" yaml:"cache_rows"`
	MaxIter   int     `json:"max_iter" yaml:"max_iter"`
	// Strict turns hitting MaxIter into a training error instead of a warning.
	Strict  bool `json:"strict" yaml:"strict"`
	Workers int  `json:"workers" yaml:"workers"`
}

// DefaultParams mirrors the libsvm defaults used for the digit classifier.
func DefaultParams() Params {
	return Params{
		C:         1,
		Degree:    3,
		Tolerance: 1e-3,
		CacheRows: 4096,
		Workers:   4,
	}
}

func (p Params) String() string {
	return fmt.Sprintf("C=%g degree=%d", p.C, p.Degree)
}

// Machine is one binary classifier of the one-vs-one ensemble.
// Coef[k] is alpha*y for support vector SV[k]; positive decision votes Positive.
type Machine struct {
	Positive int
	Negative int
	SV       []int
	Coef     []float64
	Rho      float64
}

// SVC is a multi-class support vector classifier. Exported fields are the persisted state.
type SVC struct {
	Params         Params
	Kernel         PolyKernel
	NumFeatures    int
	Classes        []int
	SupportVectors [][]float64
	Machines       []Machine
	// Unconverged counts machines stopped by MaxIter.
	Unconverged int
}

var _ MLModel = (*SVC)(nil)

func NewSVC(params Params) *SVC {
	return &SVC{Params: params}
}

type pairJob struct {
	pos, neg int
	idx      []int
}

type pairResult struct {
	idx       []int
	coef      []float64
	rho       float64
	converged bool
}

// Train fits one binary machine per class pair. Pairs are independent and run on
// up to Params.Workers goroutines; results are assembled in pair order.
func (s *SVC) Train(ctx context.Context, features [][]float64, labels []int) error {
	const op = "svc.train"
	if len(features) == 0 || len(labels) == 0 {
		return Ef(KindTraining, op, "features or labels empty")
	}
	if len(features) != len(labels) {
		return Ef(KindTraining, op, "features and labels size mismatch: %d != %d", len(features), len(labels))
	}
	nf := len(features[0])
	if nf == 0 {
		return Ef(KindTraining, op, "zero-length feature vector")
	}
	for i, f := range features {
		if len(f) != nf {
			return Ef(KindTraining, op, "sample %d has %d features, want %d", i, len(f), nf)
		}
	}
	if s.Params.C <= 0 {
		return Ef(KindTraining, op, "C must be positive, got %g", s.Params.C)
	}
	if s.Params.Degree < 1 {
		return Ef(KindTraining, op, "degree must be >= 1, got %d", s.Params.Degree)
	}

	classes, byClass := groupByClass(labels)
	if len(classes) < 2 {
		return Ef(KindTraining, op, "need at least 2 classes, got %d", len(classes))
	}

	gamma := s.Params.Gamma
	if gamma <= 0 {
		gamma = 1 / float64(nf)
	}
	kernel := PolyKernel{Degree: s.Params.Degree, Gamma: gamma, Coef0: s.Params.Coef0}
	tol := s.Params.Tolerance
	if tol <= 0 {
		tol = 1e-3
	}

	var jobs []pairJob
	for a := 0; a < len(classes); a++ {
		for b := a + 1; b < len(classes); b++ {
			idx := make([]int, 0, len(byClass[a])+len(byClass[b]))
			idx = append(idx, byClass[a]...)
			idx = append(idx, byClass[b]...)
			jobs = append(jobs, pairJob{pos: a, neg: b, idx: idx})
		}
	}

	results := make([]pairResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	workers := s.Params.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for n := range jobs {
		n := n
		g.Go(func() error {
			res, err := fitPair(gctx, jobs[n], features, labels, classes, kernel, s.Params, tol)
			if err != nil {
				return err
			}
			results[n] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return E(KindTraining, op, "fit failed", err)
	}

	// Deduplicate support vectors across machines, keeping first-seen order.
	svPos := make(map[int]int)
	var svs [][]float64
	machines := make([]Machine, len(jobs))
	unconverged := 0
	for n, res := range results {
		m := Machine{Positive: jobs[n].pos, Negative: jobs[n].neg, Rho: res.rho}
		for k, sample := range res.idx {
			pos, ok := svPos[sample]
			if !ok {
				pos = len(svs)
				svPos[sample] = pos
				svs = append(svs, append([]float64(nil), features[sample]...))
			}
			m.SV = append(m.SV, pos)
			m.Coef = append(m.Coef, res.coef[k])
		}
		machines[n] = m
		if !res.converged {
			unconverged++
		}
	}
	if unconverged > 0 && s.Params.Strict {
		return Ef(KindTraining, op, "%d of %d machines did not converge within max_iter", unconverged, len(machines))
	}

	s.Kernel = kernel
	s.NumFeatures = nf
	s.Classes = classes
	s.SupportVectors = svs
	s.Machines = machines
	s.Unconverged = unconverged
	return nil
}

func fitPair(ctx context.Context, job pairJob, features [][]float64, labels []int, classes []int, kernel PolyKernel, params Params, tol float64) (pairResult, error) {
	x := make([][]float64, len(job.idx))
	y := make([]float64, len(job.idx))
	for k, sample := range job.idx {
		x[k] = features[sample]
		if labels[sample] == classes[job.pos] {
			y[k] = 1
		} else {
			y[k] = -1
		}
	}
	q, err := newKernelMatrix(kernel, x, params.CacheRows)
	if err != nil {
		return pairResult{}, err
	}
	prob := &binaryProblem{q: q, y: y, c: params.C, eps: tol, maxIter: params.MaxIter}
	sol, err := prob.solve(ctx)
	if err != nil {
		return pairResult{}, err
	}
	res := pairResult{rho: sol.rho, converged: sol.converged}
	for k, a := range sol.alpha {
		if a > 0 {
			res.idx = append(res.idx, job.idx[k])
			res.coef = append(res.coef, a*y[k])
		}
	}
	return res, nil
}

// Predict returns the winning class and its share of the pairwise votes.
func (s *SVC) Predict(features []float64) (int, float64, error) {
	if len(s.Machines) == 0 {
		return 0, 0, Ef(KindTraining, "svc.predict", "model not trained")
	}
	if len(features) != s.NumFeatures {
		return 0, 0, Ef(KindInvalidInput, "svc.predict", "expected %d features, got %d", s.NumFeatures, len(features))
	}
	kv := make([]float64, len(s.SupportVectors))
	for i, sv := range s.SupportVectors {
		kv[i] = s.Kernel.Eval(sv, features)
	}
	votes := make([]int, len(s.Classes))
	for _, m := range s.Machines {
		sum := -m.Rho
		for k, sv := range m.SV {
			sum += m.Coef[k] * kv[sv]
		}
		if sum > 0 {
			votes[m.Positive]++
		} else {
			votes[m.Negative]++
		}
	}
	best := 0
	for c := 1; c < len(votes); c++ {
		if votes[c] > votes[best] {
			best = c
		}
	}
	return s.Classes[best], float64(votes[best]) / float64(len(s.Classes)-1), nil
}

// Score returns the fraction of samples predicted correctly.
func (s *SVC) Score(features [][]float64, labels []int) (float64, error) {
	return Accuracy(s, features, labels)
}

func (s *SVC) countCorrect(features [][]float64, labels []int) (int, error) {
	correct := 0
	for i, f := range features {
		label, _, err := s.Predict(f)
		if err != nil {
			return 0, err
		}
		if label == labels[i] {
			correct++
		}
	}
	return correct, nil
}

// validate checks the structural invariants a decoded model must satisfy.
func (s *SVC) validate() error {
	if s.NumFeatures <= 0 {
		return fmt.Errorf("num features %d", s.NumFeatures)
	}
	k := len(s.Classes)
	if k < 2 {
		return fmt.Errorf("%d classes", k)
	}
	if len(s.Machines) != k*(k-1)/2 {
		return fmt.Errorf("%d machines for %d classes", len(s.Machines), k)
	}
	for i, sv := range s.SupportVectors {
		if len(sv) != s.NumFeatures {
			return fmt.Errorf("support vector %d has %d features", i, len(sv))
		}
	}
	for i, m := range s.Machines {
		if m.Positive < 0 || m.Positive >= k || m.Negative < 0 || m.Negative >= k {
			return fmt.Errorf("machine %d class index out of range", i)
		}
		if len(m.SV) != len(m.Coef) {
			return fmt.Errorf("machine %d has %d vectors and %d coefficients", i, len(m.SV), len(m.Coef))
		}
		for _, sv := range m.SV {
			if sv < 0 || sv >= len(s.SupportVectors) {
				return fmt.Errorf("machine %d support vector index %d out of range", i, sv)
			}
		}
		if math.IsNaN(m.Rho) {
			return fmt.Errorf("machine %d rho is NaN", i)
		}
	}
	return nil
}

func groupByClass(labels []int) ([]int, [][]int) {
	seen := make(map[int]bool)
	var classes []int
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}
	sort.Ints(classes)
	pos := make(map[int]int, len(classes))
	for i, c := range classes {
		pos[c] = i
	}
	byClass := make([][]int, len(classes))
	for i, l := range labels {
		byClass[pos[l]] = append(byClass[pos[l]], i)
	}
	return classes, byClass
}
