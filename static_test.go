package romsvd

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yyyoichi/romsvd/comm"
	"github.com/yyyoichi/romsvd/metrics"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// spmd runs fn once per worker of an in-process group of size n.
func spmd(t *testing.T, n int, fn func(c comm.Communicator) error) {
	t.Helper()
	members, err := comm.NewGroup(n)
	require.NoError(t, err)
	var eg errgroup.Group
	for _, c := range members {
		eg.Go(func() error { return fn(c) })
	}
	require.NoError(t, eg.Wait())
}

func newLocal(t *testing.T, dim int, opts ...Option) *StaticSVD {
	t.Helper()
	s, err := New(context.Background(), comm.Local(), dim, opts...)
	require.NoError(t, err)
	return s
}

func isDiagonal(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := range r {
		for j := range c {
			if i != j && m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	test := []struct {
		name string
		dim  int
		opts []Option
		err  error
	}{
		{"zero dim", 0, nil, ErrInvalidDimension},
		{"zero samples per interval", 4, []Option{WithSamplesPerInterval(0)}, ErrInvalidSamplesPerInterval},
		{"zero max basis", 4, []Option{WithMaxBasisDimension(0)}, ErrInvalidMaxBasisDimension},
		{"negative tolerance", 4, []Option{WithSigmaTolerance(-0.1)}, ErrNegativeTolerance},
		{"NaN tolerance", 4, []Option{WithSigmaTolerance(math.NaN())}, ErrNegativeTolerance},
		{"infinite tolerance", 4, []Option{WithSigmaTolerance(math.Inf(1))}, ErrNegativeTolerance},
		{"zero block size", 4, []Option{WithBlockSize(0)}, ErrBlockTooSmall},
		{"negative block size", 4, []Option{WithBlockSize(-2)}, ErrBlockTooSmall},
		{"block below capacity", 4, []Option{WithSamplesPerInterval(5), WithBlockSize(3)}, ErrBlockTooSmall},
	}
	for _, tt := range test {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(ctx, comm.Local(), tt.dim, tt.opts...)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	s := newLocal(t, 4)
	assert.Equal(t, 1, s.SamplesPerInterval())
	assert.Equal(t, 4, s.MaxBasisDimension())
	assert.Equal(t, 0.0, s.SigmaTolerance())
	assert.Equal(t, 4, s.BlockSize())
	assert.Equal(t, 4, s.TotalDim())
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, []int{0}, s.Layout().Starts)
	assert.False(t, s.BasisCurrent())
}

func TestTakeSampleScenario(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, 4,
		WithSamplesPerInterval(10),
		WithMaxBasisDimension(3),
		WithSigmaTolerance(0.01),
	)
	samples := [][]float64{
		{1, 2, 3, 4},
		{4, 3, 2, 1},
		{1, 0, 1, 0},
	}
	for i, v := range samples {
		ok, err := s.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i+1, s.NumSamples())
		assert.False(t, s.BasisCurrent())
	}
	assert.Equal(t, []float64{0}, s.IntervalStartTimes())
	assert.Equal(t, 1, s.NumIntervals())

	snap, err := s.SnapshotMatrix()
	require.NoError(t, err)
	for j, v := range samples {
		assert.Equal(t, v, mat.Col(nil, j, snap), "column %d", j)
	}

	spatial, err := s.SpatialBasis(ctx)
	require.NoError(t, err)
	assert.True(t, s.BasisCurrent())
	rows, r := spatial.Dims()
	assert.Equal(t, 4, rows)
	assert.LessOrEqual(t, r, 3)
	assert.Positive(t, r)

	sv, err := s.SingularValues(ctx)
	require.NoError(t, err)
	sr, sc := sv.Dims()
	assert.Equal(t, r, sr)
	assert.Equal(t, r, sc)
	assert.True(t, isDiagonal(sv))
	for i := range r {
		assert.GreaterOrEqual(t, sv.At(i, i), 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, sv.At(i-1, i-1), sv.At(i, i))
		}
	}

	// the leading values match a direct factorization of the samples
	var want mat.SVD
	require.True(t, want.Factorize(snap, mat.SVDThin))
	for i, v := range want.Values(nil)[:r] {
		assert.InDelta(t, v, sv.At(i, i), 1e-10)
	}

	temporal, err := s.TemporalBasis(ctx)
	require.NoError(t, err)
	tr, tc := temporal.Dims()
	assert.Equal(t, 3, tr)
	assert.Equal(t, r, tc)
}

func TestZeroSampleRejected(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, 3, WithSamplesPerInterval(4))

	ok, err := s.TakeSample(ctx, []float64{0, 0, 0}, 0, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.NumIntervals())
	_, err = s.SnapshotMatrix()
	assert.ErrorIs(t, err, ErrNoSamples)

	ok, err = s.TakeSample(ctx, []float64{1, 2, 2}, 0, false)
	require.NoError(t, err)
	require.True(t, ok)
	before, err := s.SpatialBasis(ctx)
	require.NoError(t, err)
	snapBefore, err := s.SnapshotMatrix()
	require.NoError(t, err)

	ok, err = s.TakeSample(ctx, []float64{0, 0, 0}, 1, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.NumSamples())
	assert.True(t, s.BasisCurrent())

	after, err := s.SpatialBasis(ctx)
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, after))
	snapAfter, err := s.SnapshotMatrix()
	require.NoError(t, err)
	assert.True(t, mat.Equal(snapBefore, snapAfter))
}

func TestTakeSampleInvalid(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, 3)

	_, err := s.TakeSample(ctx, nil, 0, false)
	assert.ErrorIs(t, err, ErrInvalidSample)
	_, err = s.TakeSample(ctx, []float64{1, 2}, 0, false)
	assert.ErrorIs(t, err, ErrInvalidSample)
	_, err = s.TakeSample(ctx, []float64{1, 2, 3}, -1, false)
	assert.ErrorIs(t, err, ErrNegativeTime)

	_, err = s.SpatialBasis(ctx)
	assert.ErrorIs(t, err, ErrNoSamples)
	_, err = s.TemporalBasis(ctx)
	assert.ErrorIs(t, err, ErrNoSamples)
	_, err = s.SingularValues(ctx)
	assert.ErrorIs(t, err, ErrNoSamples)
	_, err = s.SnapshotMatrix()
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestNewInterval(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, 3, WithSamplesPerInterval(2))

	for i, v := range [][]float64{{1, 0, 0}, {0, 1, 0}} {
		ok, err := s.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := s.SpatialBasis(ctx)
	require.NoError(t, err)

	ok, err := s.TakeSample(ctx, []float64{0, 0, 5}, 2.5, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, s.NumSamples())
	assert.Equal(t, []float64{0, 2.5}, s.IntervalStartTimes())
	assert.False(t, s.BasisCurrent())

	snap, err := s.SnapshotMatrix()
	require.NoError(t, err)
	r, c := snap.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 1, c)
	assert.Equal(t, []float64{0, 0, 5}, mat.Col(nil, 0, snap))

	// the fresh store holds only the new sample
	sv, err := s.SingularValues(ctx)
	require.NoError(t, err)
	sr, _ := sv.Dims()
	require.Equal(t, 1, sr)
	assert.InDelta(t, 5.0, sv.At(0, 0), 1e-12)
}

func TestIntervalPolicy(t *testing.T) {
	assert.True(t, CapacityPolicy{}.IsNewTimeInterval(0, 3))
	assert.False(t, CapacityPolicy{}.IsNewTimeInterval(2, 3))
	assert.True(t, CapacityPolicy{}.IsNewTimeInterval(3, 3))

	ctx := context.Background()
	once := IntervalPolicyFunc(func(n, _ int) bool { return n == 0 })
	s := newLocal(t, 2, WithSamplesPerInterval(1), WithIntervalPolicy(once))
	ok, err := s.TakeSample(ctx, []float64{1, 1}, 0, false)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.TakeSample(ctx, []float64{1, 2}, 1, false)
	assert.ErrorIs(t, err, ErrIntervalFull)
	assert.Equal(t, 1, s.NumSamples())
}

func TestPolicyWithoutFirstInterval(t *testing.T) {
	ctx := context.Background()
	late := IntervalPolicyFunc(func(n, per int) bool { return n >= per })
	s := newLocal(t, 2, WithSamplesPerInterval(2), WithIntervalPolicy(late))

	for i, v := range [][]float64{{1, 0}, {0, 1}, {1, 1}} {
		ok, err := s.TakeSample(ctx, v, float64(i)+0.5, false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, []float64{0.5, 2.5}, s.IntervalStartTimes())
	assert.Equal(t, 1, s.NumSamples())
}

// countingComm counts the float all-gathers passing through it.
type countingComm struct {
	comm.Communicator
	floats int
}

func (c *countingComm) AllGatherFloats(ctx context.Context, v []float64) ([][]float64, error) {
	c.floats++
	return c.Communicator.AllGatherFloats(ctx, v)
}

func TestTakeSampleCommunication(t *testing.T) {
	ctx := context.Background()
	c := &countingComm{Communicator: comm.Local()}
	s, err := New(ctx, c, 3, WithSamplesPerInterval(4))
	require.NoError(t, err)

	samples := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 10}}
	for i, v := range samples {
		_, err := s.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
		// one scatter per sample; the snapshot rows are kept locally
		assert.Equal(t, i+1, c.floats)
	}

	snap, err := s.SnapshotMatrix()
	require.NoError(t, err)
	assert.Equal(t, 3, c.floats)
	for j, v := range samples {
		assert.Equal(t, v, mat.Col(nil, j, snap))
	}

	// a new interval starts from an empty mirror
	s2 := newLocal(t, 2, WithSamplesPerInterval(1))
	for i, v := range [][]float64{{1, 2}, {3, 4}} {
		_, err := s2.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
	}
	snap, err = s2.SnapshotMatrix()
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, snap.RawMatrix().Data)
}

func TestTruncation(t *testing.T) {
	ctx := context.Background()
	samples := [][]float64{
		{10, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 0.001, 0},
	}
	test := []struct {
		name string
		opts []Option
		want int
	}{
		{"no tolerance keeps all samples", nil, 3},
		{"max dimension caps", []Option{WithMaxBasisDimension(2)}, 2},
		{"tolerance drops small values", []Option{WithSigmaTolerance(0.01)}, 2},
		{"tolerance keeps only leading", []Option{WithSigmaTolerance(0.5)}, 1},
		{"tolerance of one keeps nothing", []Option{WithSigmaTolerance(1)}, 0},
	}
	for _, tt := range test {
		t.Run(tt.name, func(t *testing.T) {
			s := newLocal(t, 4, append([]Option{WithSamplesPerInterval(3)}, tt.opts...)...)
			for i, v := range samples {
				_, err := s.TakeSample(ctx, v, float64(i), false)
				require.NoError(t, err)
			}
			spatial, err := s.SpatialBasis(ctx)
			require.NoError(t, err)
			sv, err := s.SingularValues(ctx)
			require.NoError(t, err)
			temporal, err := s.TemporalBasis(ctx)
			require.NoError(t, err)
			assert.True(t, s.BasisCurrent())

			if tt.want == 0 {
				assert.True(t, spatial.IsEmpty())
				assert.True(t, sv.IsEmpty())
				assert.True(t, temporal.IsEmpty())
				return
			}
			_, r := spatial.Dims()
			assert.Equal(t, tt.want, r)
			_, r = temporal.Dims()
			assert.Equal(t, tt.want, r)
			assert.InDelta(t, 10.0, sv.At(0, 0), 1e-12)
		})
	}
}

func TestBasisReconstructsSamples(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, 5, WithSamplesPerInterval(3))
	samples := [][]float64{
		{1, 2, 0, 1, 3},
		{0, 1, 1, 2, 1},
		{2, 0, 1, 0, 1},
	}
	for i, v := range samples {
		_, err := s.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
	}
	u, err := s.SpatialBasis(ctx)
	require.NoError(t, err)
	sv, err := s.SingularValues(ctx)
	require.NoError(t, err)
	w, err := s.TemporalBasis(ctx)
	require.NoError(t, err)

	var us, rebuilt mat.Dense
	us.Mul(u, sv)
	rebuilt.Mul(&us, w.T())
	snap, err := s.SnapshotMatrix()
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(snap, &rebuilt, 1e-10))
}

func TestAccessorsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, 2, WithSamplesPerInterval(2))
	_, err := s.TakeSample(ctx, []float64{3, 4}, 0, false)
	require.NoError(t, err)

	u, err := s.SpatialBasis(ctx)
	require.NoError(t, err)
	want := mat.DenseCopyOf(u)
	u.Set(0, 0, 100)
	again, err := s.SpatialBasis(ctx)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, again))

	snap, err := s.SnapshotMatrix()
	require.NoError(t, err)
	snap.Set(0, 0, -1)
	snap, err = s.SnapshotMatrix()
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.At(0, 0))

	times := s.IntervalStartTimes()
	times[0] = 9
	assert.Equal(t, []float64{0}, s.IntervalStartTimes())
}

func TestMultiWorker(t *testing.T) {
	dims := []int{2, 3, 1}
	global := [][]float64{
		{1, 2, 3, 4, 5, 6},
		{6, 1, 0, 2, 1, 1},
		{0, 1, 1, 0, 3, 2},
	}

	ref := newLocal(t, 6, WithSamplesPerInterval(3))
	ctx := context.Background()
	for i, v := range global {
		_, err := ref.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
	}
	wantS, err := ref.SingularValues(ctx)
	require.NoError(t, err)

	type out struct {
		lay     Layout
		snap    *mat.Dense
		spatial *mat.Dense
		s       *mat.Dense
	}
	results := make([]out, len(dims))
	spmd(t, len(dims), func(c comm.Communicator) error {
		ctx := context.Background()
		s, err := New(ctx, c, dims[c.Rank()], WithSamplesPerInterval(3))
		if err != nil {
			return err
		}
		start, end := s.Layout().Range(c.Rank())
		for i, v := range global {
			if _, err := s.TakeSample(ctx, v[start:end], float64(i), false); err != nil {
				return err
			}
		}
		o := out{lay: s.Layout()}
		if o.snap, err = s.SnapshotMatrix(); err != nil {
			return err
		}
		if o.spatial, err = s.SpatialBasis(ctx); err != nil {
			return err
		}
		if o.s, err = s.SingularValues(ctx); err != nil {
			return err
		}
		results[c.Rank()] = o
		return nil
	})

	assert.Equal(t, []int{0, 2, 5}, results[0].lay.Starts)
	assert.Equal(t, 6, results[2].lay.TotalDim)

	var stacked, mirrors []float64
	for rank, o := range results {
		assert.True(t, mat.EqualApprox(wantS, o.s, 1e-10), "rank %d", rank)
		r, c := o.snap.Dims()
		require.Equal(t, dims[rank], r)
		require.Equal(t, 3, c)
		for i := range r {
			mirrors = append(mirrors, o.snap.RawRowView(i)...)
			stacked = append(stacked, o.spatial.RawRowView(i)...)
		}
	}

	// mirrors stack to the global sample matrix
	want := mat.NewDense(3, 6, nil)
	for i, v := range global {
		want.SetRow(i, v)
	}
	assert.True(t, mat.Equal(want.T(), mat.NewDense(6, 3, mirrors)))

	// spatial rows stack to an orthonormal basis
	_, r := results[0].spatial.Dims()
	q := mat.NewDense(6, r, stacked)
	var qtq mat.Dense
	qtq.Mul(q.T(), q)
	assert.True(t, mat.EqualApprox(eye(r), &qtq, 1e-10))
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := range n {
		m.Set(i, i, 1)
	}
	return m
}

func TestCollectiveFailure(t *testing.T) {
	members, err := comm.NewGroup(2)
	require.NoError(t, err)
	svds := make([]*StaticSVD, 2)
	var eg errgroup.Group
	for _, c := range members {
		eg.Go(func() error {
			var err error
			svds[c.Rank()], err = New(context.Background(), c, 2)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svds[0].TakeSample(ctx, []float64{1, 2}, 0, false)
	assert.ErrorIs(t, err, ErrCollective)

	_, err = svds[0].TakeSample(context.Background(), []float64{1, 2}, 0, false)
	assert.ErrorIs(t, err, ErrBroken)
	_, err = svds[0].SnapshotMatrix()
	assert.ErrorIs(t, err, ErrBroken)

	// the peer sees the group closed
	_, err = svds[1].TakeSample(context.Background(), []float64{1, 2}, 0, false)
	assert.ErrorIs(t, err, ErrCollective)
	assert.ErrorIs(t, err, comm.ErrGroupClosed)
}

func TestDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	ctx := context.Background()
	s := newLocal(t, 2, WithDebug(true), WithLogger(log), WithSamplesPerInterval(2))

	_, err := s.TakeSample(ctx, []float64{0, 0}, 0, false)
	require.NoError(t, err)
	_, err = s.TakeSample(ctx, []float64{1, 1}, 0, false)
	require.NoError(t, err)
	_, err = s.SpatialBasis(ctx)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "zero sample rejected")
	assert.Contains(t, out, "time interval started")
	assert.Contains(t, out, "svd truncated")
	assert.Contains(t, out, `"singular_values":[`)
	assert.Contains(t, out, `"rank":0`)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctx := context.Background()
	s := newLocal(t, 2, WithMetrics(metrics.New(reg)), WithSamplesPerInterval(2))

	for i, v := range [][]float64{{1, 0}, {0, 0}, {0, 1}, {1, 1}} {
		_, err := s.TakeSample(ctx, v, float64(i), false)
		require.NoError(t, err)
	}
	_, err := s.SpatialBasis(ctx)
	require.NoError(t, err)

	expected := `
# HELP romsvd_intervals_total Total number of time intervals started
# TYPE romsvd_intervals_total counter
romsvd_intervals_total{rank="0"} 2
# HELP romsvd_retained_rank Number of singular triplets kept by the last computation
# TYPE romsvd_retained_rank gauge
romsvd_retained_rank{rank="0"} 1
# HELP romsvd_samples_accepted_total Total number of samples added to the snapshot matrix
# TYPE romsvd_samples_accepted_total counter
romsvd_samples_accepted_total{rank="0"} 3
# HELP romsvd_samples_rejected_total Total number of zero-norm samples rejected
# TYPE romsvd_samples_rejected_total counter
romsvd_samples_rejected_total{rank="0"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"romsvd_intervals_total",
		"romsvd_retained_rank",
		"romsvd_samples_accepted_total",
		"romsvd_samples_rejected_total",
	))
}
