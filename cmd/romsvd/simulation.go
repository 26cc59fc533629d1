package main

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	"github.com/yyyoichi/romsvd"
	"github.com/yyyoichi/romsvd/basisio"
	"github.com/yyyoichi/romsvd/comm"
	"github.com/yyyoichi/romsvd/internal/config"
	"github.com/yyyoichi/romsvd/metrics"
)

// simulation advances a periodic travelling wave on a uniform grid of
// cfg.Dim points and collects it into a static SVD.
type simulation struct {
	cfg     config.RunConfig
	writer  basisio.Writer
	reader  basisio.Reader
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func newSimulation(cfg config.RunConfig, storeCfg config.StoreConfig, store basisio.Store, m *metrics.Metrics, log zerolog.Logger) (*simulation, error) {
	codec, err := basisio.ParseCodec(storeCfg.Codec)
	if err != nil {
		return nil, err
	}
	return &simulation{
		cfg:     cfg,
		writer:  basisio.Writer{Store: store, Codec: codec},
		reader:  basisio.Reader{Store: store},
		metrics: m,
		log:     log,
	}, nil
}

// partition splits n rows into size near-equal contiguous slices and returns
// the slice of rank.
func partition(n, size, rank int) (start, dim int) {
	base, extra := n/size, n%size
	start = rank*base + min(rank, extra)
	dim = base
	if rank < extra {
		dim++
	}
	return start, dim
}

// wave fills u with rows [start, start+len(u)) of the state at time t.
func wave(u []float64, start, total int, t float64) {
	for i := range u {
		x := float64(start+i) / float64(total)
		u[i] = math.Sin(2*math.Pi*(x-t)) + 0.5*math.Cos(4*math.Pi*(x+0.5*t))
	}
}

func (s *simulation) worker(ctx context.Context, c comm.Communicator) error {
	log := s.log.With().Int("rank", c.Rank()).Logger()
	start, dim := partition(s.cfg.Dim, c.Size(), c.Rank())

	opts := []romsvd.Option{
		romsvd.WithSamplesPerInterval(s.cfg.SamplesPerInterval),
		romsvd.WithSigmaTolerance(s.cfg.SigmaTolerance),
		romsvd.WithDebug(s.cfg.Debug),
		romsvd.WithLogger(log),
		romsvd.WithMetrics(s.metrics),
	}
	if s.cfg.MaxBasisDimension > 0 {
		opts = append(opts, romsvd.WithMaxBasisDimension(s.cfg.MaxBasisDimension))
	}
	svd, err := romsvd.New(ctx, c, dim, opts...)
	if err != nil {
		return err
	}
	rom := romsvd.NewROM(romsvd.NewStaticTimeStepper(svd, romsvd.WithSamplingIncrement(s.cfg.SamplingIncrement)))

	u := make([]float64, dim)
	for step := range s.cfg.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := float64(step) * s.cfg.TimeStep
		if !rom.IsNextSnapshot(t) {
			continue
		}
		// the next sample opens a new interval; keep the finished one
		if svd.NumSamples() == s.cfg.SamplesPerInterval {
			if err := s.writeBasis(ctx, svd, log); err != nil {
				return err
			}
		}
		wave(u, start, s.cfg.Dim, t)
		if err := rom.TakeSnapshot(ctx, u, t); err != nil {
			return err
		}
		rom.ComputeNextSnapshotTime(u, nil, t)
	}
	if svd.NumSamples() > 0 {
		if err := s.writeBasis(ctx, svd, log); err != nil {
			return err
		}
	}

	infos, err := s.reader.Intervals(ctx, c.Rank())
	if err != nil {
		return err
	}
	for _, info := range infos {
		log.Info().
			Int("interval", info.Interval).
			Float64("start_time", info.StartTime).
			Int("basis_dimension", info.R).
			Int("samples", info.N).
			Str("codec", info.Codec.String()).
			Msg("stored basis")
	}
	return nil
}

func (s *simulation) writeBasis(ctx context.Context, svd *romsvd.StaticSVD, log zerolog.Logger) error {
	name, err := s.writer.WriteBasis(ctx, svd)
	if err != nil {
		return err
	}
	log.Debug().Str("name", name).Int("samples", svd.NumSamples()).Msg("basis written")
	return nil
}
