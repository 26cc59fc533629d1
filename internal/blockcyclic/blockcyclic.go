// Package blockcyclic is a small block-cyclic distributed dense matrix over a
// procs x 1 process grid.
//
// Global row g lives on worker (g/mb) mod procs. Every worker holds all
// columns of the rows it owns, so a matrix whose column block nb covers all
// allocated columns can be narrowed to fewer columns without moving data.
//
// All operations that touch remote data are collective: every worker of the
// communicator must call them in the same order with compatible arguments.
package blockcyclic

import (
	"context"
	"errors"
	"fmt"

	"github.com/yyyoichi/romsvd/comm"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidShape = errors.New("invalid distributed matrix shape")
	ErrOutOfRange   = errors.New("index out of range")
	ErrViewTooWide  = errors.New("view wider than column block")
	ErrCollective   = errors.New("collective operation failed")
)

// Matrix is one worker's share of an m x n distributed matrix.
type Matrix struct {
	m, n   int
	mb, nb int
	c      comm.Communicator

	// local holds the owned rows, localRows x n. nil when this worker owns no rows.
	local     *mat.Dense
	localRows int
}

// New allocates a zeroed m x n matrix with row block mb and column block nb.
func New(m, n, mb, nb int, c comm.Communicator) (*Matrix, error) {
	if m <= 0 || n <= 0 || mb <= 0 || nb <= 0 {
		return nil, fmt.Errorf("%w: %dx%d blocks %dx%d", ErrInvalidShape, m, n, mb, nb)
	}
	a := &Matrix{m: m, n: n, mb: mb, nb: nb, c: c}
	a.localRows = numroc(m, mb, c.Rank(), c.Size())
	if a.localRows > 0 {
		a.local = mat.NewDense(a.localRows, n, nil)
	}
	return a, nil
}

// numroc counts the rows of an n-row, nb-blocked dimension owned by proc.
func numroc(n, nb, proc, procs int) int {
	blocks := n / nb
	num := (blocks / procs) * nb
	extra := blocks % procs
	switch {
	case proc < extra:
		num += nb
	case proc == extra:
		num += n % nb
	}
	return num
}

func (a *Matrix) Dims() (m, n int) { return a.m, a.n }

func (a *Matrix) Blocks() (mb, nb int) { return a.mb, a.nb }

func (a *Matrix) LocalRows() int { return a.localRows }

// Owner returns the worker holding global row g and its local row index.
func (a *Matrix) Owner(g int) (proc, local int) {
	procs := a.c.Size()
	block := g / a.mb
	return block % procs, (block/procs)*a.mb + g%a.mb
}

// View reinterprets the first cols columns of a as a matrix of its own. The
// view shares storage with a. Narrowing is only valid inside one column block.
func (a *Matrix) View(cols int) (*Matrix, error) {
	if cols <= 0 || cols > a.n {
		return nil, fmt.Errorf("%w: %d columns of %d", ErrOutOfRange, cols, a.n)
	}
	if cols < a.n && a.n > a.nb {
		return nil, fmt.Errorf("%w: %d columns with block %d", ErrViewTooWide, a.n, a.nb)
	}
	v := *a
	v.n = cols
	if a.local != nil {
		v.local = a.local.Slice(0, a.localRows, 0, cols).(*mat.Dense)
	}
	return &v, nil
}

// Assign writes buf into rows [row, row+buf.Rows) and columns
// [col, col+buf.Cols) of a. Each worker passes its own buffer and placement;
// a worker with nothing to write passes an empty Buffer.
func (a *Matrix) Assign(ctx context.Context, row, col int, buf Buffer) error {
	if err := buf.validate(); err != nil {
		return err
	}
	if buf.Rows > 0 && (row < 0 || col < 0 || row+buf.Rows > a.m || col+buf.Cols > a.n) {
		return fmt.Errorf("%w: %dx%d at (%d,%d) in %dx%d", ErrOutOfRange, buf.Rows, buf.Cols, row, col, a.m, a.n)
	}

	// header [row, col, rows, cols] followed by row-major values
	msg := make([]float64, 4, 4+buf.Rows*buf.Cols)
	msg[0], msg[1], msg[2], msg[3] = float64(row), float64(col), float64(buf.Rows), float64(buf.Cols)
	for i := range buf.Rows {
		for j := range buf.Cols {
			msg = append(msg, buf.At(i, j))
		}
	}
	parts, err := a.c.AllGatherFloats(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: assign: %w", ErrCollective, err)
	}

	me := a.c.Rank()
	for _, p := range parts {
		r0, c0, rows, cols := int(p[0]), int(p[1]), int(p[2]), int(p[3])
		values := p[4:]
		for i := range rows {
			proc, li := a.Owner(r0 + i)
			if proc != me {
				continue
			}
			for j := range cols {
				a.local.Set(li, c0+j, values[i*cols+j])
			}
		}
	}
	return nil
}

// Gather returns rows [row, row+rows) and columns [col, col+cols) of a as a
// dense matrix on the calling worker. Every worker names its own window; a
// worker that needs nothing passes rows == 0 and receives an empty matrix.
func (a *Matrix) Gather(ctx context.Context, row, rows, col, cols int) (*mat.Dense, error) {
	if rows < 0 || cols < 0 || row < 0 || col < 0 || row+rows > a.m || col+cols > a.n {
		return nil, fmt.Errorf("%w: %dx%d at (%d,%d) in %dx%d", ErrOutOfRange, rows, cols, row, col, a.m, a.n)
	}
	parts, err := a.c.AllGatherFloats(ctx, a.localData())
	if err != nil {
		return nil, fmt.Errorf("%w: gather: %w", ErrCollective, err)
	}
	if rows == 0 || cols == 0 {
		return &mat.Dense{}, nil
	}
	out := mat.NewDense(rows, cols, nil)
	for i := range rows {
		proc, li := a.Owner(row + i)
		src := parts[proc][li*a.n:]
		for j := range cols {
			out.Set(i, j, src[col+j])
		}
	}
	return out, nil
}

// allGatherGlobal assembles the full m x n matrix on every worker.
func (a *Matrix) allGatherGlobal(ctx context.Context) (*mat.Dense, error) {
	parts, err := a.c.AllGatherFloats(ctx, a.localData())
	if err != nil {
		return nil, fmt.Errorf("%w: gather: %w", ErrCollective, err)
	}
	global := mat.NewDense(a.m, a.n, nil)
	for g := range a.m {
		proc, li := a.Owner(g)
		global.SetRow(g, parts[proc][li*a.n:(li+1)*a.n])
	}
	return global, nil
}

// localData returns the owned rows row-major, localRows*n values.
func (a *Matrix) localData() []float64 {
	if a.local == nil {
		return nil
	}
	out := make([]float64, 0, a.localRows*a.n)
	for i := range a.localRows {
		out = append(out, a.local.RawRowView(i)[:a.n]...)
	}
	return out
}

// scatterGlobal builds a distributed matrix from a global matrix every worker
// already holds. No communication is needed.
func scatterGlobal(global *mat.Dense, mb, nb int, c comm.Communicator) (*Matrix, error) {
	m, n := global.Dims()
	a, err := New(m, n, mb, nb, c)
	if err != nil {
		return nil, err
	}
	me := c.Rank()
	for g := range m {
		proc, li := a.Owner(g)
		if proc == me {
			a.local.SetRow(li, global.RawRowView(g))
		}
	}
	return a, nil
}
