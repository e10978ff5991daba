// Package mltest generates small synthetic digit datasets for tests.
package mltest

import "math/rand"

const (
	Classes  = 10
	Features = 28 * 28
	block    = Features / Classes
)

// Digits returns perClass samples for each of the ten classes, interleaved so that
// sample i has label i%10. Class k lights up its own block of pixels, which makes the
// classes separable by a polynomial kernel.
func Digits(perClass int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	n := perClass * Classes
	x := make([][]float64, n)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		k := i % Classes
		v := make([]float64, Features)
		for j := k * block; j < (k+1)*block; j++ {
			v[j] = 4 + rng.Float64()
		}
		for s := 0; s < 10; s++ {
			v[rng.Intn(Features)] += 0.5 * rng.Float64()
		}
		x[i] = v
		y[i] = k
	}
	return x, y
}

// Labels returns perClass labels for each class, interleaved.
func Labels(perClass int) []int {
	y := make([]int, perClass*Classes)
	for i := range y {
		y[i] = i % Classes
	}
	return y
}

// RandomVector returns a vector of pixel intensities in [0, 255).
func RandomVector(rng *rand.Rand) []float64 {
	v := make([]float64, Features)
	for i := range v {
		v[i] = rng.Float64() * 255
	}
	return v
}
