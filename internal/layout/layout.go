package layout

import (
	"context"
	"errors"
	"fmt"

	"github.com/yyyoichi/romsvd/comm"
)

var (
	ErrInvalidDimension = errors.New("local dimension must be positive")
	ErrCollective       = errors.New("layout all-gather failed")
)

// Layout describes how the rows of the global state vector are split across
// workers. Worker i owns rows [Starts[i], Starts[i]+Dims[i]).
type Layout struct {
	TotalDim int
	Dims     []int
	Starts   []int
}

// Resolve gathers every worker's local dimension and computes the global
// dimension and the row offset of each worker. It is collective: every worker
// of c must call it.
func Resolve(ctx context.Context, localDim int, c comm.Communicator) (Layout, error) {
	if localDim <= 0 {
		return Layout{}, fmt.Errorf("%w: %d", ErrInvalidDimension, localDim)
	}
	dims, err := c.AllGatherInts(ctx, localDim)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrCollective, err)
	}
	return FromDims(dims)
}

// FromDims builds a Layout from the ordered per-worker dimensions.
func FromDims(dims []int) (Layout, error) {
	l := Layout{
		Dims:   append([]int(nil), dims...),
		Starts: make([]int, len(dims)),
	}
	for i, d := range l.Dims {
		if d <= 0 {
			return Layout{}, fmt.Errorf("%w: worker %d reported %d", ErrInvalidDimension, i, d)
		}
		l.TotalDim += d
		if i > 0 {
			l.Starts[i] = l.Starts[i-1] + l.Dims[i-1]
		}
	}
	return l, nil
}

func (l Layout) Workers() int { return len(l.Dims) }

// Range returns the half-open global row range owned by rank.
func (l Layout) Range(rank int) (start, end int) {
	return l.Starts[rank], l.Starts[rank] + l.Dims[rank]
}
