package romsvd

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// TimeStepper decides when a simulation state is collected and builds the
// reduced-order model from the collected states.
type TimeStepper interface {
	IsNextStateCollection(time float64) bool
	CollectState(ctx context.Context, u []float64) error
	ComputeNextStateCollectionTime(u, rhs []float64, time float64) float64
	Model(ctx context.Context) (*mat.Dense, error)
}

type StepperOption func(*StaticTimeStepper)

// WithSamplingIncrement sets the simulation time between two collections.
// Default: 0, which collects at every step.
func WithSamplingIncrement(d float64) StepperOption {
	return func(ts *StaticTimeStepper) {
		ts.increment = max(0, d)
	}
}

// StaticTimeStepper collects states at a fixed time increment into a
// StaticSVD. Its model is the spatial basis.
type StaticTimeStepper struct {
	svd                *StaticSVD
	increment          float64
	nextCollectionTime float64
}

func NewStaticTimeStepper(svd *StaticSVD, opts ...StepperOption) *StaticTimeStepper {
	ts := &StaticTimeStepper{svd: svd}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

func (ts *StaticTimeStepper) IsNextStateCollection(time float64) bool {
	return time >= ts.nextCollectionTime
}

// CollectState samples u at the scheduled collection time. A zero state is
// skipped silently.
func (ts *StaticTimeStepper) CollectState(ctx context.Context, u []float64) error {
	_, err := ts.svd.TakeSample(ctx, u, ts.nextCollectionTime, false)
	return err
}

func (ts *StaticTimeStepper) ComputeNextStateCollectionTime(u, rhs []float64, time float64) float64 {
	ts.nextCollectionTime = time + ts.increment
	return ts.nextCollectionTime
}

func (ts *StaticTimeStepper) Model(ctx context.Context) (*mat.Dense, error) {
	return ts.svd.SpatialBasis(ctx)
}

// SVD returns the underlying static SVD.
func (ts *StaticTimeStepper) SVD() *StaticSVD { return ts.svd }
