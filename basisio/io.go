package basisio

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yyyoichi/romsvd"
)

const intervalPrefix = "interval-"

// Name is the blob name of the basis of interval written by rank.
func Name(interval, rank int) string {
	return fmt.Sprintf("%s%04d/rank-%05d.basis", intervalPrefix, interval, rank)
}

// Writer stores the bases of a StaticSVD.
type Writer struct {
	Store Store
	Codec Codec
}

// WriteBasis stores this worker's basis of the current interval and returns
// its name. Reading the basis may recompute it, so WriteBasis is collective.
func (w Writer) WriteBasis(ctx context.Context, s *romsvd.StaticSVD) (string, error) {
	spatial, err := s.SpatialBasis(ctx)
	if err != nil {
		return "", err
	}
	singular, err := s.SingularValues(ctx)
	if err != nil {
		return "", err
	}
	temporal, err := s.TemporalBasis(ctx)
	if err != nil {
		return "", err
	}
	starts := s.IntervalStartTimes()
	if len(starts) == 0 {
		return "", romsvd.ErrNoSamples
	}
	b := Basis{
		Interval:  len(starts) - 1,
		Rank:      s.Rank(),
		StartTime: starts[len(starts)-1],
		Spatial:   spatial,
		Singular:  singular,
		Temporal:  temporal,
	}
	return w.Put(ctx, b)
}

// Put encodes and stores b under Name(b.Interval, b.Rank).
func (w Writer) Put(ctx context.Context, b Basis) (string, error) {
	data, err := Encode(b, w.Codec)
	if err != nil {
		return "", err
	}
	name := Name(b.Interval, b.Rank)
	if err := w.Store.Put(ctx, name, data); err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return name, nil
}

// Reader loads stored bases.
type Reader struct {
	Store Store
}

// Intervals returns the headers of every stored basis of rank, ordered by
// interval.
func (r Reader) Intervals(ctx context.Context, rank int) ([]Info, error) {
	names, err := r.Store.List(ctx, intervalPrefix)
	if err != nil {
		return nil, err
	}
	suffix := fmt.Sprintf("/rank-%05d.basis", rank)
	var infos []Info
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		data, err := r.Store.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", name, err)
		}
		info, err := DecodeInfo(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Interval < infos[j].Interval })
	return infos, nil
}

func (r Reader) Basis(ctx context.Context, interval, rank int) (Basis, error) {
	name := Name(interval, rank)
	data, err := r.Store.Get(ctx, name)
	if err != nil {
		return Basis{}, fmt.Errorf("get %s: %w", name, err)
	}
	return Decode(data)
}

// BasisAt returns the basis of the last interval of rank that started at or
// before time.
func (r Reader) BasisAt(ctx context.Context, rank int, time float64) (Basis, error) {
	infos, err := r.Intervals(ctx, rank)
	if err != nil {
		return Basis{}, err
	}
	found := -1
	for i, info := range infos {
		if info.StartTime <= time {
			found = i
		}
	}
	if found < 0 {
		return Basis{}, fmt.Errorf("%w: rank %d at time %g", ErrNotFound, rank, time)
	}
	return r.Basis(ctx, infos[found].Interval, rank)
}
