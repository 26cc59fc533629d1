// Package comm defines the parallel runtime contract used by romsvd and
// provides in-process implementations of it.
//
// Every worker of a computation holds one Communicator. All workers must call
// the same sequence of collective operations (SPMD style); a worker that skips
// or reorders a collective stalls the whole group.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidGroupSize   = errors.New("group size must be positive")
	ErrGroupClosed        = errors.New("communicator group closed")
	ErrCollectiveMismatch = errors.New("workers called different collectives")
)

// Communicator is the runtime context of one worker.
type Communicator interface {
	// Rank returns the index of this worker in [0, Size()).
	Rank() int
	// Size returns the number of workers in the group.
	Size() int
	// AllGatherInts contributes v and returns every worker's value ordered by rank.
	AllGatherInts(ctx context.Context, v int) ([]int, error)
	// AllGatherFloats contributes v and returns every worker's slice ordered by rank.
	// Slices may differ in length between workers. The returned slices are
	// shared with the other workers and must be treated as read-only.
	AllGatherFloats(ctx context.Context, v []float64) ([][]float64, error)
}

// Local returns the communicator of a single-worker group.
func Local() Communicator {
	return local{}
}

type local struct{}

func (local) Rank() int { return 0 }

func (local) Size() int { return 1 }

func (local) AllGatherInts(ctx context.Context, v int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []int{v}, nil
}

func (local) AllGatherFloats(ctx context.Context, v []float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]float64{append([]float64(nil), v...)}, nil
}

// NewGroup creates an in-process group of n workers. Each returned
// Communicator must be driven by its own goroutine.
func NewGroup(n int) ([]Communicator, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGroupSize, n)
	}
	g := &group{size: n, closed: make(chan struct{})}
	members := make([]Communicator, n)
	for i := range n {
		members[i] = &member{g: g, rank: i}
	}
	return members, nil
}

type round struct {
	op      string
	values  []any
	arrived int
	done    chan struct{}
}

type group struct {
	size int

	mu      sync.Mutex
	current *round
	err     error
	closed  chan struct{}
}

// exchange deposits v for rank and blocks until every member deposited a
// value for the same round.
func (g *group) exchange(ctx context.Context, op string, rank int, v any) ([]any, error) {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return nil, err
	}
	r := g.current
	if r == nil {
		r = &round{op: op, values: make([]any, g.size), done: make(chan struct{})}
		g.current = r
	}
	if r.op != op {
		err := fmt.Errorf("%w: %s and %s", ErrCollectiveMismatch, r.op, op)
		g.abortLocked(err)
		g.mu.Unlock()
		return nil, err
	}
	r.values[rank] = v
	r.arrived++
	if r.arrived == g.size {
		g.current = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.values, nil
	case <-g.closed:
		return nil, g.failure()
	case <-ctx.Done():
		g.abort(fmt.Errorf("%w: %w", ErrGroupClosed, ctx.Err()))
		return nil, ctx.Err()
	}
}

func (g *group) abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abortLocked(err)
}

func (g *group) abortLocked(err error) {
	if g.err != nil {
		return
	}
	g.err = err
	close(g.closed)
}

func (g *group) failure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

type member struct {
	g    *group
	rank int
}

func (m *member) Rank() int { return m.rank }

func (m *member) Size() int { return m.g.size }

func (m *member) AllGatherInts(ctx context.Context, v int) ([]int, error) {
	values, err := m.g.exchange(ctx, "ints", m.rank, v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(values))
	for i, x := range values {
		out[i] = x.(int)
	}
	return out, nil
}

func (m *member) AllGatherFloats(ctx context.Context, v []float64) ([][]float64, error) {
	// copy so later writes by the caller cannot leak into other workers
	values, err := m.g.exchange(ctx, "floats", m.rank, append([]float64(nil), v...))
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(values))
	for i, x := range values {
		out[i] = x.([]float64)
	}
	return out, nil
}
