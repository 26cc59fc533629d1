package blockcyclic

import (
	"context"
	"fmt"

	"github.com/yyyoichi/romsvd/internal/svd"
	"gonum.org/v1/gonum/mat"
)

// Factorization is a distributed thin SVD A = U * diag(S) * Vt.
// U is m x k and Vt is k x n with k = min(m, n); both use the block sizes of
// the factorized matrix. S is replicated on every worker, descending.
type Factorization struct {
	U  *Matrix
	S  []float64
	Vt *Matrix
}

// Factorize computes the SVD of a. It is collective. Every worker assembles
// the global matrix and runs the same deterministic dense kernel, then keeps
// only the rows it owns.
func Factorize(ctx context.Context, a *Matrix) (Factorization, error) {
	global, err := a.allGatherGlobal(ctx)
	if err != nil {
		return Factorization{}, err
	}
	result, err := svd.Factorize(global)
	if err != nil {
		return Factorization{}, fmt.Errorf("%w: %dx%d", err, a.m, a.n)
	}
	u, err := scatterGlobal(result.U, a.mb, a.nb, a.c)
	if err != nil {
		return Factorization{}, err
	}
	vt, err := scatterGlobal(result.Vt, a.mb, a.nb, a.c)
	if err != nil {
		return Factorization{}, err
	}
	return Factorization{U: u, S: result.S, Vt: vt}, nil
}

// Local returns a copy of the rows this worker owns, or nil if it owns none.
func (a *Matrix) Local() *mat.Dense {
	if a.local == nil {
		return nil
	}
	return mat.DenseCopyOf(a.local)
}

// GatherU returns rows [row, row+rows) and the leading cols columns of U.
// Collective.
func (f Factorization) GatherU(ctx context.Context, row, rows, cols int) (*mat.Dense, error) {
	return f.U.Gather(ctx, row, rows, 0, cols)
}

// GatherVt returns the leading rows rows of Vt with all of its columns.
// Collective.
func (f Factorization) GatherVt(ctx context.Context, rows int) (*mat.Dense, error) {
	_, n := f.Vt.Dims()
	return f.Vt.Gather(ctx, 0, rows, 0, n)
}
