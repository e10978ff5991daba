package ml

import (
	"math"
	"math/rand"
	"sort"
)

// StratifiedSplit draws two disjoint index sets from labels, each preserving the class
// proportions: floor(trainFrac*n) indices for the first set and ceil(testFrac*n) for
// the second. Both sets come back shuffled.
func StratifiedSplit(labels []int, trainFrac, testFrac float64, rng *rand.Rand) (train, test []int, err error) {
	const op = "stratified_split"
	n := len(labels)
	if n == 0 {
		return nil, nil, Ef(KindDataUnavailable, op, "no samples")
	}
	if trainFrac <= 0 || testFrac <= 0 || trainFrac+testFrac > 1 {
		return nil, nil, Ef(KindDataUnavailable, op, "invalid fractions train=%g test=%g", trainFrac, testFrac)
	}
	nTrain := int(math.Floor(trainFrac * float64(n)))
	nTest := int(math.Ceil(testFrac * float64(n)))
	if nTrain+nTest > n {
		return nil, nil, Ef(KindDataUnavailable, op, "train %d + test %d exceeds %d samples", nTrain, nTest, n)
	}

	classes, byClass := groupByClass(labels)
	counts := make([]int, len(classes))
	for i, idx := range byClass {
		counts[i] = len(idx)
		if counts[i] < 2 {
			return nil, nil, Ef(KindDataUnavailable, op, "class %d has %d sample(s), need at least 2", classes[i], counts[i])
		}
	}
	if nTrain < len(classes) {
		return nil, nil, Ef(KindDataUnavailable, op, "first subset of %d is smaller than %d classes", nTrain, len(classes))
	}
	if nTest < len(classes) {
		return nil, nil, Ef(KindDataUnavailable, op, "second subset of %d is smaller than %d classes", nTest, len(classes))
	}

	trainPer := approximateMode(counts, nTrain, rng)
	remaining := make([]int, len(counts))
	for i := range counts {
		remaining[i] = counts[i] - trainPer[i]
	}
	testPer := approximateMode(remaining, nTest, rng)

	train = make([]int, 0, nTrain)
	test = make([]int, 0, nTest)
	for i, idx := range byClass {
		perm := rng.Perm(len(idx))
		for k := 0; k < trainPer[i]; k++ {
			train = append(train, idx[perm[k]])
		}
		for k := trainPer[i]; k < trainPer[i]+testPer[i]; k++ {
			test = append(test, idx[perm[k]])
		}
	}
	rng.Shuffle(len(train), func(a, b int) { train[a], train[b] = train[b], train[a] })
	rng.Shuffle(len(test), func(a, b int) { test[a], test[b] = test[b], test[a] })
	return train, test, nil
}

// approximateMode spreads draws over classes proportionally to counts. Floors come
// first; leftover draws go to the largest fractional remainders, ties picked at random.
func approximateMode(counts []int, draws int, rng *rand.Rand) []int {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make([]int, len(counts))
	if total == 0 {
		return out
	}
	remainder := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		cont := float64(draws) * float64(c) / float64(total)
		fl := math.Floor(cont)
		out[i] = int(fl)
		remainder[i] = cont - fl
		assigned += out[i]
	}
	need := draws - assigned
	if need <= 0 {
		return out
	}

	values := make([]float64, 0, len(remainder))
	seen := make(map[float64]bool)
	for _, r := range remainder {
		if !seen[r] {
			seen[r] = true
			values = append(values, r)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(values)))
	for _, v := range values {
		var inds []int
		for i, r := range remainder {
			if r == v {
				inds = append(inds, i)
			}
		}
		add := len(inds)
		if add > need {
			add = need
		}
		rng.Shuffle(len(inds), func(a, b int) { inds[a], inds[b] = inds[b], inds[a] })
		for _, i := range inds[:add] {
			out[i]++
		}
		need -= add
		if need == 0 {
			break
		}
	}
	return out
}

// StratifiedKFold assigns every sample to one of k test folds. Within each class,
// samples keep their order and fill folds front to back; earlier folds take the
// extra sample when the class size does not divide evenly.
func StratifiedKFold(labels []int, k int) ([][]int, error) {
	const op = "stratified_kfold"
	if k < 2 {
		return nil, Ef(KindTraining, op, "need at least 2 folds, got %d", k)
	}
	classes, byClass := groupByClass(labels)
	fold := make([]int, len(labels))
	for i, idx := range byClass {
		if len(idx) < k {
			return nil, Ef(KindTraining, op, "class %d has %d samples, fewer than %d folds", classes[i], len(idx), k)
		}
		base, extra := len(idx)/k, len(idx)%k
		pos := 0
		for f := 0; f < k; f++ {
			size := base
			if f < extra {
				size++
			}
			for _, sample := range idx[pos : pos+size] {
				fold[sample] = f
			}
			pos += size
		}
	}
	folds := make([][]int, k)
	for sample, f := range fold {
		folds[f] = append(folds[f], sample)
	}
	return folds, nil
}
