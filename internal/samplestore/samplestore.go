// Package samplestore holds the snapshot columns of one time interval in a
// block-cyclic distributed matrix.
//
// The matrix is allocated with room for allocatedCapacity columns but only the
// first activeColumns hold samples. The factorization must see exactly the
// active columns; LogicalView provides that narrower matrix without copying.
// This is only sound because the column block size is at least the capacity,
// so all allocated columns sit in one column block.
package samplestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/yyyoichi/romsvd/comm"
	"github.com/yyyoichi/romsvd/internal/blockcyclic"
	"github.com/yyyoichi/romsvd/internal/layout"
)

var (
	ErrInvalidCapacity     = errors.New("capacity must be positive")
	ErrBlockTooSmall       = errors.New("block size smaller than capacity")
	ErrColumnOutOfRange    = errors.New("column out of range")
	ErrViewExceedsCapacity = errors.New("active columns exceed allocated capacity")
	ErrSliceLength         = errors.New("sample slice length does not match local dimension")
)

type Option func(*Store)

// WithBlockSize overrides the computed block size. It must be at least the
// capacity.
func WithBlockSize(size int) Option {
	return func(s *Store) {
		s.blockSize = size
	}
}

type Store struct {
	lay layout.Layout
	c   comm.Communicator

	blockSize         int
	allocatedCapacity int
	activeColumns     int

	samples *blockcyclic.Matrix
}

// MinBlockSize is the block size used when none is given: an even row split
// across workers, raised to the capacity.
func MinBlockSize(totalDim, procs, capacity int) int {
	size := totalDim/procs + min(1, totalDim%procs)
	return max(size, capacity)
}

func New(lay layout.Layout, capacity int, c comm.Communicator, opts ...Option) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	s := &Store{lay: lay, c: c, allocatedCapacity: capacity}
	for _, opt := range opts {
		opt(s)
	}
	if s.blockSize == 0 {
		s.blockSize = MinBlockSize(lay.TotalDim, c.Size(), capacity)
	}
	if s.blockSize < capacity {
		return nil, fmt.Errorf("%w: block %d, capacity %d", ErrBlockTooSmall, s.blockSize, capacity)
	}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset drops all samples and allocates fresh storage.
func (s *Store) Reset() error {
	samples, err := blockcyclic.New(s.lay.TotalDim, s.allocatedCapacity, s.blockSize, s.blockSize, s.c)
	if err != nil {
		return err
	}
	s.samples = samples
	s.activeColumns = 0
	return nil
}

func (s *Store) Layout() layout.Layout { return s.lay }

func (s *Store) Capacity() int { return s.allocatedCapacity }

func (s *Store) BlockSize() int { return s.blockSize }

func (s *Store) ActiveColumns() int { return s.activeColumns }

// ScatterColumn writes each worker's local slice into its row range of column
// col. Collective.
func (s *Store) ScatterColumn(ctx context.Context, col int, values []float64) error {
	if col < 0 || col >= s.allocatedCapacity {
		return fmt.Errorf("%w: %d of %d", ErrColumnOutOfRange, col, s.allocatedCapacity)
	}
	rank := s.c.Rank()
	if len(values) != s.lay.Dims[rank] {
		return fmt.Errorf("%w: %d != %d", ErrSliceLength, len(values), s.lay.Dims[rank])
	}
	if err := s.samples.Assign(ctx, s.lay.Starts[rank], col, blockcyclic.Column(values)); err != nil {
		return err
	}
	s.activeColumns = max(s.activeColumns, col+1)
	return nil
}

// LogicalView returns the first active columns as their own matrix, sharing
// storage with the store.
func (s *Store) LogicalView(active int) (*blockcyclic.Matrix, error) {
	if active <= 0 || active > s.allocatedCapacity {
		return nil, fmt.Errorf("%w: %d of %d", ErrViewExceedsCapacity, active, s.allocatedCapacity)
	}
	return s.samples.View(active)
}
