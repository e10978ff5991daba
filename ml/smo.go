package ml

import (
	"context"
	"math"
)

const tau = 1e-12

// binaryProblem is a two-class C-SVC dual: y[i] is +1 or -1.
type binaryProblem struct {
	q       *kernelMatrix
	y       []float64
	c       float64
	eps     float64
	maxIter int
}

type binarySolution struct {
	alpha []float64
	rho   float64
	iter  int
	// converged is false when maxIter stopped the solver first.
	converged bool
}

// solve runs SMO with second-order working set selection (Fan, Chen and Lin, 2005).
func (p *binaryProblem) solve(ctx context.Context) (binarySolution, error) {
	l := len(p.y)
	alpha := make([]float64, l)
	grad := make([]float64, l)
	for i := range grad {
		grad[i] = -1
	}

	maxIter := p.maxIter
	if maxIter <= 0 {
		maxIter = 10000000
		if 100*l > maxIter {
			maxIter = 100 * l
		}
	}

	iter := 0
	converged := false
	for iter < maxIter {
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return binarySolution{}, err
			}
		}
		i, j, ok := p.selectWorkingSet(alpha, grad)
		if !ok {
			converged = true
			break
		}
		iter++
		p.update(i, j, alpha, grad)
	}

	return binarySolution{
		alpha:     alpha,
		rho:       p.rho(alpha, grad),
		iter:      iter,
		converged: converged,
	}, nil
}

func (p *binaryProblem) upper(a float64) bool { return a >= p.c }
func (p *binaryProblem) lower(a float64) bool { return a <= 0 }

func (p *binaryProblem) selectWorkingSet(alpha, grad []float64) (int, int, bool) {
	gmax := math.Inf(-1)
	gmax2 := math.Inf(-1)
	gmaxIdx, gminIdx := -1, -1
	objDiffMin := math.Inf(1)

	for t := range alpha {
		if p.y[t] > 0 {
			if !p.upper(alpha[t]) && -grad[t] >= gmax {
				gmax = -grad[t]
				gmaxIdx = t
			}
		} else {
			if !p.lower(alpha[t]) && grad[t] >= gmax {
				gmax = grad[t]
				gmaxIdx = t
			}
		}
	}
	if gmaxIdx == -1 {
		return 0, 0, false
	}

	i := gmaxIdx
	ki := p.q.row(i)
	qdi := p.q.diag[i]
	for j := range alpha {
		// y[i]*Q_ij with Q_ij = y_i y_j K_ij reduces to y[j]*K_ij.
		yQij := p.y[j] * ki[j]
		var gradDiff, quad float64
		if p.y[j] > 0 {
			if p.lower(alpha[j]) {
				continue
			}
			gradDiff = gmax + grad[j]
			if grad[j] >= gmax2 {
				gmax2 = grad[j]
			}
			quad = qdi + p.q.diag[j] - 2*yQij
		} else {
			if p.upper(alpha[j]) {
				continue
			}
			gradDiff = gmax - grad[j]
			if -grad[j] >= gmax2 {
				gmax2 = -grad[j]
			}
			quad = qdi + p.q.diag[j] + 2*yQij
		}
		if gradDiff <= 0 {
			continue
		}
		if quad <= 0 {
			quad = tau
		}
		objDiff := -(gradDiff * gradDiff) / quad
		if objDiff <= objDiffMin {
			gminIdx = j
			objDiffMin = objDiff
		}
	}

	if gmax+gmax2 < p.eps || gminIdx == -1 {
		return 0, 0, false
	}
	return i, gminIdx, true
}

func (p *binaryProblem) update(i, j int, alpha, grad []float64) {
	ki := p.q.row(i)
	kj := p.q.row(j)
	yi, yj := p.y[i], p.y[j]
	qij := yi * yj * ki[j]
	c := p.c
	oldI, oldJ := alpha[i], alpha[j]

	if yi != yj {
		quad := p.q.diag[i] + p.q.diag[j] + 2*qij
		if quad <= 0 {
			quad = tau
		}
		delta := (-grad[i] - grad[j]) / quad
		diff := alpha[i] - alpha[j]
		alpha[i] += delta
		alpha[j] += delta
		if diff > 0 {
			if alpha[j] < 0 {
				alpha[j] = 0
				alpha[i] = diff
			}
		} else if alpha[i] < 0 {
			alpha[i] = 0
			alpha[j] = -diff
		}
		if diff > 0 {
			if alpha[i] > c {
				alpha[i] = c
				alpha[j] = c - diff
			}
		} else if alpha[j] > c {
			alpha[j] = c
			alpha[i] = c + diff
		}
	} else {
		quad := p.q.diag[i] + p.q.diag[j] - 2*qij
		if quad <= 0 {
			quad = tau
		}
		delta := (grad[i] - grad[j]) / quad
		sum := alpha[i] + alpha[j]
		alpha[i] -= delta
		alpha[j] += delta
		if sum > c {
			if alpha[i] > c {
				alpha[i] = c
				alpha[j] = sum - c
			}
			if alpha[j] > c {
				alpha[j] = c
				alpha[i] = sum - c
			}
		} else {
			if alpha[j] < 0 {
				alpha[j] = 0
				alpha[i] = sum
			}
			if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = sum
			}
		}
	}

	dI := alpha[i] - oldI
	dJ := alpha[j] - oldJ
	for k := range grad {
		grad[k] += p.y[k] * (yi*ki[k]*dI + yj*kj[k]*dJ)
	}
}

func (p *binaryProblem) rho(alpha, grad []float64) float64 {
	ub := math.Inf(1)
	lb := math.Inf(-1)
	free := 0
	sumFree := 0.0
	for i := range alpha {
		yG := p.y[i] * grad[i]
		switch {
		case p.upper(alpha[i]):
			if p.y[i] < 0 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		case p.lower(alpha[i]):
			if p.y[i] > 0 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		default:
			free++
			sumFree += yG
		}
	}
	if free > 0 {
		return sumFree / float64(free)
	}
	return (ub + lb) / 2
}
