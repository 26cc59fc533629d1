package romsvd

import (
	"context"

	"github.com/yyyoichi/romsvd/comm"
	"gonum.org/v1/gonum/mat"
)

// ROM is the simulation-facing entry point. It forwards every call to its
// TimeStepper and keeps no state of its own.
type ROM struct {
	ts TimeStepper
}

func NewROM(ts TimeStepper) *ROM {
	return &ROM{ts: ts}
}

// NewStaticROM builds a ROM backed by a StaticTimeStepper that collects every
// step. It is collective like New.
func NewStaticROM(ctx context.Context, c comm.Communicator, dim int, opts ...Option) (*ROM, error) {
	svd, err := New(ctx, c, dim, opts...)
	if err != nil {
		return nil, err
	}
	return NewROM(NewStaticTimeStepper(svd)), nil
}

func (r *ROM) IsNextSnapshot(time float64) bool {
	return r.ts.IsNextStateCollection(time)
}

// TakeSnapshot collects u. time is unused; the stepper supplies the sample time.
func (r *ROM) TakeSnapshot(ctx context.Context, u []float64, time float64) error {
	return r.ts.CollectState(ctx, u)
}

func (r *ROM) ComputeNextSnapshotTime(u, rhs []float64, time float64) float64 {
	return r.ts.ComputeNextStateCollectionTime(u, rhs, time)
}

// Model returns the current reduced-order basis. time is unused.
func (r *ROM) Model(ctx context.Context, time float64) (*mat.Dense, error) {
	return r.ts.Model(ctx)
}

func (r *ROM) TimeStepper() TimeStepper { return r.ts }
