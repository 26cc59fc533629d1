package romsvd

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/yyyoichi/romsvd/metrics"
)

type Option func(*StaticSVD) error

// WithSamplesPerInterval sets how many samples one time interval holds before
// the default policy starts the next one. Default: 1.
func WithSamplesPerInterval(n int) Option {
	return func(s *StaticSVD) error {
		if n <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidSamplesPerInterval, n)
		}
		s.samplesPerInterval = n
		return nil
	}
}

// WithMaxBasisDimension caps the number of basis vectors returned. It must be
// the same on every worker. Default: the global dimension.
func WithMaxBasisDimension(n int) Option {
	return func(s *StaticSVD) error {
		if n <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidMaxBasisDimension, n)
		}
		s.maxBasisDimension = n
		return nil
	}
}

// WithSigmaTolerance drops singular values whose ratio to the largest one is
// at or below tol. Default: 0, which keeps all of them. tol must be finite.
func WithSigmaTolerance(tol float64) Option {
	return func(s *StaticSVD) error {
		if tol < 0 || math.IsNaN(tol) || math.IsInf(tol, 0) {
			return fmt.Errorf("%w: %g", ErrNegativeTolerance, tol)
		}
		s.sigmaTolerance = tol
		return nil
	}
}

// WithDebug logs the singular spectrum and cut-offs of every computation.
func WithDebug(debug bool) Option {
	return func(s *StaticSVD) error {
		s.debug = debug
		return nil
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *StaticSVD) error {
		s.log = log
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *StaticSVD) error {
		s.metrics = m
		return nil
	}
}

// WithIntervalPolicy replaces the rule that decides when a sample opens a new
// time interval. Default: CapacityPolicy.
func WithIntervalPolicy(p IntervalPolicy) Option {
	return func(s *StaticSVD) error {
		if p == nil {
			p = CapacityPolicy{}
		}
		s.policy = p
		return nil
	}
}

// WithBlockSize fixes the block size of the distributed sample matrix. It must
// be at least the samples per interval.
func WithBlockSize(size int) Option {
	return func(s *StaticSVD) error {
		if size <= 0 {
			return fmt.Errorf("%w: %d", ErrBlockTooSmall, size)
		}
		s.blockSize = size
		return nil
	}
}
