package svd

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var ErrFactorize = errors.New("cannot factorize")

// SVD factorizes dense rows x cols matrices given as row-major data.
type SVD struct {
	rows, cols int
}

func New(rows, cols int) *SVD {
	return &SVD{rows: rows, cols: cols}
}

// Result holds a thin factorization A = U * diag(S) * Vt with
// k = min(rows, cols) singular values in descending order.
type Result struct {
	U  *mat.Dense // rows x k
	S  []float64  // k
	Vt *mat.Dense // k x cols
}

func (svd *SVD) Exec(data []float64) (Result, error) {
	if len(data) != svd.rows*svd.cols {
		return Result{}, fmt.Errorf("%w: %d values for %dx%d", ErrFactorize, len(data), svd.rows, svd.cols)
	}
	a := mat.NewDense(svd.rows, svd.cols, data)
	return Factorize(a)
}

// Factorize computes the thin SVD of a.
func Factorize(a mat.Matrix) (Result, error) {
	var result mat.SVD
	if ok := result.Factorize(a, mat.SVDThin); !ok {
		return Result{}, ErrFactorize
	}

	var u, v mat.Dense
	result.UTo(&u)
	result.VTo(&v)
	return Result{
		U:  &u,
		S:  result.Values(nil),
		Vt: mat.DenseCopyOf(v.T()),
	}, nil
}

// Reconstruct returns U[:, :r] * diag(S[:r]) * Vt[:r, :], the best rank-r
// approximation of the factorized matrix. r is clamped to [1, len(S)].
func (r Result) Reconstruct(rank int) *mat.Dense {
	rank = max(1, min(rank, len(r.S)))
	rows, _ := r.U.Dims()
	_, cols := r.Vt.Dims()

	sigma := mat.NewDense(rank, rank, nil)
	for i := range rank {
		sigma.Set(i, i, r.S[i])
	}
	u := r.U.Slice(0, rows, 0, rank)
	vt := r.Vt.Slice(0, rank, 0, cols)

	var us, res mat.Dense
	us.Mul(u, sigma)
	res.Mul(&us, vt)
	return &res
}
