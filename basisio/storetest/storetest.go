// Package storetest checks that a basisio.Store behaves like the in-memory one.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yyyoichi/romsvd/basisio"
	"gonum.org/v1/gonum/mat"
)

// Run exercises s. It expects s to be empty.
func Run(t *testing.T, s basisio.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, "interval-9999/rank-00000.basis")
		assert.ErrorIs(t, err, basisio.ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "interval-9999/rank-00000.basis"))
	})

	t.Run("put get list delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "b/2", []byte("two")))
		require.NoError(t, s.Put(ctx, "b/1", []byte("one")))
		require.NoError(t, s.Put(ctx, "c/1", []byte{0, 1, 2}))
		require.NoError(t, s.Put(ctx, "b/1", []byte("uno")))

		got, err := s.Get(ctx, "b/1")
		require.NoError(t, err)
		assert.Equal(t, []byte("uno"), got)

		names, err := s.List(ctx, "b/")
		require.NoError(t, err)
		assert.Equal(t, []string{"b/1", "b/2"}, names)

		require.NoError(t, s.Delete(ctx, "b/1"))
		_, err = s.Get(ctx, "b/1")
		assert.ErrorIs(t, err, basisio.ErrNotFound)

		for _, name := range []string{"b/2", "c/1"} {
			require.NoError(t, s.Delete(ctx, name))
		}
	})

	t.Run("basis round trip", func(t *testing.T) {
		w := basisio.Writer{Store: s, Codec: basisio.CodecZstd}
		r := basisio.Reader{Store: s}
		for i, start := range []float64{0, 1.5, 4} {
			b := basisio.Basis{
				Interval:  i,
				Rank:      1,
				StartTime: start,
				Spatial:   mat.NewDense(3, 1, []float64{1, 0, float64(i)}),
				Singular:  mat.NewDense(1, 1, []float64{2}),
				Temporal:  mat.NewDense(2, 1, []float64{0.6, 0.8}),
			}
			_, err := w.Put(ctx, b)
			require.NoError(t, err)
		}

		infos, err := r.Intervals(ctx, 1)
		require.NoError(t, err)
		require.Len(t, infos, 3)
		assert.Equal(t, 1.5, infos[1].StartTime)

		b, err := r.BasisAt(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Interval)
		assert.Equal(t, 1.0, b.Spatial.At(2, 0))

		_, err = r.BasisAt(ctx, 0, 2)
		assert.ErrorIs(t, err, basisio.ErrNotFound)
	})
}
