// Package romsvd computes reduced-order bases from simulation snapshots with
// an incremental, distributed, truncated SVD.
//
// Each worker of a computation owns a contiguous slice of the state vector.
// Samples are appended one at a time into a block-cyclic distributed matrix
// and the truncated factorization is computed lazily when a basis is read.
// All workers must call the same methods in the same order.
package romsvd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/yyyoichi/romsvd/comm"
	"github.com/yyyoichi/romsvd/internal/blockcyclic"
	"github.com/yyyoichi/romsvd/internal/layout"
	"github.com/yyyoichi/romsvd/internal/samplestore"
	"github.com/yyyoichi/romsvd/internal/truncate"
	"github.com/yyyoichi/romsvd/metrics"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Layout describes how the global state vector is split across workers.
type Layout = layout.Layout

// StaticSVD is one worker's view of a static SVD. It is not safe for
// concurrent use.
type StaticSVD struct {
	c   comm.Communicator
	dim int
	lay Layout

	samplesPerInterval int
	maxBasisDimension  int
	sigmaTolerance     float64
	debug              bool
	blockSize          int
	policy             IntervalPolicy
	log                zerolog.Logger
	metrics            *metrics.Metrics

	store *samplestore.Store

	numSamples         int
	intervalStartTimes []float64
	basisCurrent       bool

	// this worker's rows of the current interval, dim x capacity; snapshots
	// views its filled columns
	mirror *mat.Dense

	// nil until filled; cleared whenever they go stale
	snapshots *mat.Dense
	spatial   *mat.Dense
	singular  *mat.Dense
	temporal  *mat.Dense

	// first collective failure; the instance refuses work afterwards
	err error
}

// New creates the static SVD of a worker owning dim rows of the state vector.
// It is collective: every worker of c must call it.
func New(ctx context.Context, c comm.Communicator, dim int, opts ...Option) (*StaticSVD, error) {
	s := new(StaticSVD)
	if err := s.init(c, dim, opts...); err != nil {
		return nil, err
	}

	lay, err := layout.Resolve(ctx, dim, c)
	switch {
	case errors.Is(err, layout.ErrInvalidDimension):
		return nil, fmt.Errorf("%w: %w", ErrInvalidDimension, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrCollective, err)
	}
	s.lay = lay
	if s.maxBasisDimension == 0 {
		// the global dimension is the same on every worker, unlike dim
		s.maxBasisDimension = lay.TotalDim
	}

	var storeOpts []samplestore.Option
	if s.blockSize > 0 {
		storeOpts = append(storeOpts, samplestore.WithBlockSize(s.blockSize))
	}
	if s.store, err = samplestore.New(lay, s.samplesPerInterval, c, storeOpts...); err != nil {
		return nil, err
	}
	s.blockSize = s.store.BlockSize()
	s.log.Debug().
		Int("total_dim", lay.TotalDim).
		Int("block_size", s.blockSize).
		Int("samples_per_interval", s.samplesPerInterval).
		Msg("static svd ready")
	return s, nil
}

func (s *StaticSVD) init(c comm.Communicator, dim int, opts ...Option) error {
	if dim <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	s.c = c
	s.dim = dim
	s.samplesPerInterval = 1
	s.policy = CapacityPolicy{}
	s.log = zerolog.Nop()
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return err
		}
	}
	s.log = s.log.With().Int("rank", c.Rank()).Logger()
	return nil
}

// TakeSample appends values, this worker's slice of the snapshot taken at
// time at, as the next column of the current time interval. Samples with zero
// norm are rejected and reported as false with a nil error.
// addWithoutIncrease is ignored.
func (s *StaticSVD) TakeSample(ctx context.Context, values []float64, at float64, addWithoutIncrease bool) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	if values == nil || len(values) != s.dim {
		return false, fmt.Errorf("%w: got %d values, want %d", ErrInvalidSample, len(values), s.dim)
	}
	if at < 0 {
		return false, fmt.Errorf("%w: %g", ErrNegativeTime, at)
	}
	if floats.Norm(values, 2) == 0 {
		s.log.Debug().Float64("time", at).Msg("zero sample rejected")
		s.metrics.SampleRejected(s.c.Rank())
		return false, nil
	}

	// the first sample always opens an interval, whatever the policy says
	if len(s.intervalStartTimes) == 0 || s.policy.IsNewTimeInterval(s.numSamples, s.samplesPerInterval) {
		if err := s.startInterval(at); err != nil {
			return false, err
		}
	}
	if s.numSamples >= s.store.Capacity() {
		return false, fmt.Errorf("%w: %d samples", ErrIntervalFull, s.numSamples)
	}

	if err := s.store.ScatterColumn(ctx, s.numSamples, values); err != nil {
		return false, s.fail("scatter sample", err)
	}
	// the mirror only ever holds this worker's own inputs
	if s.mirror == nil {
		s.mirror = mat.NewDense(s.dim, s.store.Capacity(), nil)
	}
	s.mirror.SetCol(s.numSamples, values)
	s.numSamples++
	s.snapshots = s.mirror.Slice(0, s.dim, 0, s.numSamples).(*mat.Dense)
	s.basisCurrent = false
	s.metrics.SampleAccepted(s.c.Rank())
	return true, nil
}

func (s *StaticSVD) startInterval(at float64) error {
	if len(s.intervalStartTimes) > 0 {
		s.clearBasis()
		s.snapshots = nil
		s.mirror = nil
		if err := s.store.Reset(); err != nil {
			return err
		}
	}
	s.numSamples = 0
	s.intervalStartTimes = append(s.intervalStartTimes, at)
	s.basisCurrent = false
	s.log.Debug().
		Int("interval", len(s.intervalStartTimes)-1).
		Float64("start_time", at).
		Msg("time interval started")
	s.metrics.IntervalStarted(s.c.Rank())
	return nil
}

// SpatialBasis returns this worker's rows of the left singular vectors,
// dim x r. It recomputes the factorization when samples were added since the
// last computation. Collective.
func (s *StaticSVD) SpatialBasis(ctx context.Context) (*mat.Dense, error) {
	if err := s.ensureBasis(ctx); err != nil {
		return nil, err
	}
	return copyDense(s.spatial), nil
}

// TemporalBasis returns the right singular vectors, samples x r. Collective.
func (s *StaticSVD) TemporalBasis(ctx context.Context) (*mat.Dense, error) {
	if err := s.ensureBasis(ctx); err != nil {
		return nil, err
	}
	return copyDense(s.temporal), nil
}

// SingularValues returns the retained singular values as an r x r diagonal
// matrix. Collective.
func (s *StaticSVD) SingularValues(ctx context.Context) (*mat.Dense, error) {
	if err := s.ensureBasis(ctx); err != nil {
		return nil, err
	}
	return copyDense(s.singular), nil
}

// SnapshotMatrix returns this worker's rows of the samples of the current
// interval, dim x samples. It never communicates; the rows are kept locally as
// samples are taken.
func (s *StaticSVD) SnapshotMatrix() (*mat.Dense, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.snapshots == nil {
		return nil, ErrNoSamples
	}
	return copyDense(s.snapshots), nil
}

func (s *StaticSVD) ensureBasis(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.numSamples == 0 {
		return ErrNoSamples
	}
	if s.basisCurrent {
		return nil
	}
	s.clearBasis()
	return s.computeSVD(ctx)
}

func (s *StaticSVD) computeSVD(ctx context.Context) error {
	begin := time.Now()

	// only the filled columns take part in the factorization
	view, err := s.store.LogicalView(s.numSamples)
	if err != nil {
		return err
	}
	f, err := blockcyclic.Factorize(ctx, view)
	switch {
	case errors.Is(err, ErrFactorize):
		return err
	case err != nil:
		return s.fail("factorize", err)
	}

	n := s.numSamples
	sigmaCutoff := truncate.SigmaCutoff(f.S, s.sigmaTolerance)
	hardCutoff := truncate.HardCutoff(s.maxBasisDimension, n)
	r := truncate.Rank(f.S, n, s.maxBasisDimension, s.sigmaTolerance)
	if s.debug {
		s.log.Debug().
			Floats64("singular_values", f.S).
			Int("sigma_cutoff", sigmaCutoff).
			Int("hard_cutoff", hardCutoff).
			Int("retained", r).
			Msg("svd truncated")
	}

	start, _ := s.lay.Range(s.c.Rank())
	spatial, err := f.GatherU(ctx, start, s.dim, r)
	if err != nil {
		return s.fail("gather spatial basis", err)
	}
	vt, err := f.GatherVt(ctx, r)
	if err != nil {
		return s.fail("gather temporal basis", err)
	}

	s.spatial = spatial
	s.temporal = &mat.Dense{}
	s.singular = &mat.Dense{}
	if r > 0 {
		s.temporal = mat.DenseCopyOf(vt.T())
		s.singular = mat.NewDense(r, r, nil)
		for i := range r {
			s.singular.Set(i, i, f.S[i])
		}
	}
	s.basisCurrent = true
	s.metrics.Computed(s.c.Rank(), time.Since(begin), r)
	return nil
}

func (s *StaticSVD) clearBasis() {
	s.spatial = nil
	s.singular = nil
	s.temporal = nil
}

func (s *StaticSVD) usable() error {
	if s.err != nil {
		return fmt.Errorf("%w: %w", ErrBroken, s.err)
	}
	return nil
}

func (s *StaticSVD) fail(op string, err error) error {
	s.err = fmt.Errorf("%s: %w", op, err)
	s.log.Error().Err(err).Str("op", op).Msg("collective failed")
	return fmt.Errorf("%w: %w", ErrCollective, s.err)
}

func copyDense(m *mat.Dense) *mat.Dense {
	if m.IsEmpty() {
		return &mat.Dense{}
	}
	return mat.DenseCopyOf(m)
}

// BasisCurrent reports whether the cached basis reflects every sample of the
// current interval.
func (s *StaticSVD) BasisCurrent() bool { return s.basisCurrent }

// NumSamples is the number of samples in the current interval.
func (s *StaticSVD) NumSamples() int { return s.numSamples }

func (s *StaticSVD) IntervalStartTimes() []float64 { return slices.Clone(s.intervalStartTimes) }

func (s *StaticSVD) NumIntervals() int { return len(s.intervalStartTimes) }

// Dim is the number of rows this worker owns.
func (s *StaticSVD) Dim() int { return s.dim }

func (s *StaticSVD) TotalDim() int { return s.lay.TotalDim }

// Rank is this worker's index in its group.
func (s *StaticSVD) Rank() int { return s.c.Rank() }

func (s *StaticSVD) Layout() Layout {
	return Layout{
		TotalDim: s.lay.TotalDim,
		Dims:     slices.Clone(s.lay.Dims),
		Starts:   slices.Clone(s.lay.Starts),
	}
}

func (s *StaticSVD) SamplesPerInterval() int { return s.samplesPerInterval }

func (s *StaticSVD) MaxBasisDimension() int { return s.maxBasisDimension }

func (s *StaticSVD) SigmaTolerance() float64 { return s.sigmaTolerance }

func (s *StaticSVD) BlockSize() int { return s.blockSize }
