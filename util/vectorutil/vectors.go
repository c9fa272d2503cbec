package vectorutil

import (
	"errors"
	"math"
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
)

// SoftMax take a vector and calculate softmax scores of its values.
// The maximum logit is subtracted before exponentiation so large logits do not overflow.
func SoftMax[T constraints.Float](vector []T) []T {
	if len(vector) == 0 {
		return []T{}
	}
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
	}
	sumExp := SumSlice(shiftedExp)
	scores := make([]T, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = T(exp / sumExp)
	}
	return scores
}

// SumSlice sums a float vector.
func SumSlice[T constraints.Float](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}

// ArgMax find both index of max value in s and max value.
// Ties resolve to the lowest index.
func ArgMax[T constraints.Float](s []T) (int, T, error) {
	if len(s) == 0 {
		return 0, 0, errors.New("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// IndexedValue is a vector entry together with its position.
type IndexedValue[T constraints.Float] struct {
	Index int
	Value T
}

// TopK returns the k largest entries in descending order.
// Equal values keep ascending index order. k larger than the vector is truncated.
func TopK[T constraints.Float](s []T, k int) []IndexedValue[T] {
	arr := make([]IndexedValue[T], len(s))
	for i, v := range s {
		arr[i] = IndexedValue[T]{Index: i, Value: v}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].Value > arr[j].Value })
	if k < 0 {
		k = 0
	}
	if k > len(arr) {
		k = len(arr)
	}
	return arr[:k]
}

// HasNonFinite reports whether the vector contains NaN or Inf values.
func HasNonFinite[T constraints.Float](s []T) bool {
	for _, v := range s {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
