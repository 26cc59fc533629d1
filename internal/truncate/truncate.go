// Package truncate decides how many singular triplets of a factorization to
// keep.
package truncate

// SigmaCutoff returns the length of the leading run of s whose ratio to s[0]
// exceeds tol. A tolerance of 0 keeps everything. s must be descending.
func SigmaCutoff(s []float64, tol float64) int {
	if tol == 0 {
		return len(s)
	}
	if len(s) == 0 || s[0] == 0 {
		return 0
	}
	for i, v := range s {
		if v/s[0] <= tol {
			return i
		}
	}
	return len(s)
}

// HardCutoff caps the rank by the configured maximum and the sample count.
func HardCutoff(maxDim, n int) int {
	return max(0, min(maxDim, n))
}

// Rank is the number of triplets to keep from singular values s computed
// over n samples.
func Rank(s []float64, n, maxDim int, tol float64) int {
	return min(HardCutoff(maxDim, n), SigmaCutoff(s, tol), len(s))
}
