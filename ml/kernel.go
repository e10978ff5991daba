package ml

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"
)

// PolyKernel is K(x, y) = (Gamma*<x,y> + Coef0)^Degree.
type PolyKernel struct {
	Degree int
	Gamma  float64
	Coef0  float64
}

func (k PolyKernel) Eval(x, y []float64) float64 {
	return powi(k.Gamma*floats.Dot(x, y)+k.Coef0, k.Degree)
}

// powi matches libsvm's integer power so degree 2/3 kernels stay exact.
func powi(base float64, times int) float64 {
	if times < 0 {
		return math.Pow(base, float64(times))
	}
	tmp, ret := base, 1.0
	for t := times; t > 0; t /= 2 {
		if t%2 == 1 {
			ret *= tmp
		}
		tmp *= tmp
	}
	return ret
}

// kernelMatrix serves rows of K over a fixed sample set, caching recent rows.
type kernelMatrix struct {
	kernel PolyKernel
	x      [][]float64
	diag   []float64
	rows   *lru.Cache[int, []float64]
}

func newKernelMatrix(kernel PolyKernel, x [][]float64, cacheRows int) (*kernelMatrix, error) {
	if cacheRows <= 0 {
		cacheRows = 1
	}
	rows, err := lru.New[int, []float64](cacheRows)
	if err != nil {
		return nil, err
	}
	diag := make([]float64, len(x))
	for i := range x {
		diag[i] = kernel.Eval(x[i], x[i])
	}
	return &kernelMatrix{kernel: kernel, x: x, diag: diag, rows: rows}, nil
}

func (m *kernelMatrix) row(i int) []float64 {
	if r, ok := m.rows.Get(i); ok {
		return r
	}
	r := make([]float64, len(m.x))
	xi := m.x[i]
	for j := range m.x {
		r[j] = m.kernel.Eval(xi, m.x[j])
	}
	m.rows.Add(i, r)
	return r
}
