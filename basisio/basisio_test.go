package basisio

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yyyoichi/romsvd"
	"github.com/yyyoichi/romsvd/comm"
	"gonum.org/v1/gonum/mat"
)

func sampleBasis(dim, r, n int) Basis {
	rd := rand.New(rand.NewSource(int64(dim*100 + r*10 + n)))
	fill := func(rows, cols int) *mat.Dense {
		m := mat.NewDense(rows, cols, nil)
		for i := range rows {
			for j := range cols {
				// few distinct values so that the body compresses
				m.Set(i, j, float64(rd.Intn(4)))
			}
		}
		return m
	}
	s := mat.NewDense(r, r, nil)
	for i := range r {
		s.Set(i, i, float64(r-i))
	}
	return Basis{
		Interval:  3,
		Rank:      2,
		StartTime: 1.25,
		Spatial:   fill(dim, r),
		Singular:  s,
		Temporal:  fill(n, r),
	}
}

func TestEncodeDecode(t *testing.T) {
	test := []struct {
		name  string
		codec Codec
	}{
		{"none", CodecNone},
		{"lz4", CodecLZ4},
		{"zstd", CodecZstd},
	}
	want := sampleBasis(500, 4, 12)
	for _, tt := range test {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(want, tt.codec)
			require.NoError(t, err)

			info, err := DecodeInfo(data)
			require.NoError(t, err)
			assert.Equal(t, tt.codec, info.Codec)
			assert.Equal(t, Info{Interval: 3, Rank: 2, StartTime: 1.25, Dim: 500, R: 4, N: 12, Codec: tt.codec}, info)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, want.Interval, got.Interval)
			assert.Equal(t, want.Rank, got.Rank)
			assert.Equal(t, want.StartTime, got.StartTime)
			assert.True(t, mat.Equal(want.Spatial, got.Spatial))
			assert.True(t, mat.Equal(want.Singular, got.Singular))
			assert.True(t, mat.Equal(want.Temporal, got.Temporal))
		})
	}
}

func TestCompressionFallback(t *testing.T) {
	// a single value does not shrink
	b := Basis{
		Spatial:  mat.NewDense(1, 1, []float64{1}),
		Singular: mat.NewDense(1, 1, []float64{2}),
		Temporal: mat.NewDense(1, 1, []float64{1}),
	}
	data, err := Encode(b, CodecLZ4)
	require.NoError(t, err)
	info, err := DecodeInfo(data)
	require.NoError(t, err)
	assert.Equal(t, CodecNone, info.Codec)
}

func TestEmptyBasis(t *testing.T) {
	b := Basis{Interval: 1, Spatial: &mat.Dense{}, Singular: &mat.Dense{}, Temporal: &mat.Dense{}}
	data, err := Encode(b, CodecZstd)
	require.NoError(t, err)
	assert.Len(t, data, HeaderSize)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Spatial.IsEmpty())
	assert.True(t, got.Singular.IsEmpty())
	assert.True(t, got.Temporal.IsEmpty())
}

func TestEncodeInvalid(t *testing.T) {
	b := sampleBasis(4, 2, 3)
	b.Temporal = mat.NewDense(3, 1, nil)
	_, err := Encode(b, CodecNone)
	assert.ErrorIs(t, err, ErrInvalidBasis)

	b = sampleBasis(4, 2, 3)
	b.Interval = -1
	_, err = Encode(b, CodecNone)
	assert.ErrorIs(t, err, ErrInvalidBasis)

	_, err = Encode(sampleBasis(4, 2, 3), Codec(9))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestHeaderErrorCorrection(t *testing.T) {
	want := sampleBasis(8, 2, 3)
	clean, err := Encode(want, CodecNone)
	require.NoError(t, err)

	test := []struct {
		name  string
		flips [][2]int // byte, bit
	}{
		{"three bits in one byte", [][2]int{{0, 0}, {0, 3}, {0, 7}}},
		{"spread single bits", [][2]int{{1, 2}, {10, 5}, {20, 0}, {30, 1}, {40, 6}, {50, 4}}},
		{"last full word", [][2]int{{80, 1}, {85, 7}}},
	}
	for _, tt := range test {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte(nil), clean...)
			for _, f := range tt.flips {
				data[f[0]] ^= 1 << f[1]
			}
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, want.Interval, got.Interval)
			assert.Equal(t, want.StartTime, got.StartTime)
			assert.True(t, mat.Equal(want.Spatial, got.Spatial))
		})
	}
}

func TestDecodeCorrupt(t *testing.T) {
	data, err := Encode(sampleBasis(8, 2, 3), CodecNone)
	require.NoError(t, err)

	_, err = Decode(data[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrShortHeader)

	body := append([]byte(nil), data...)
	body[HeaderSize+3] ^= 0xff
	_, err = Decode(body)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(data[:len(data)-8])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(make([]byte, HeaderSize))
	assert.Error(t, err)
}

func TestParseCodec(t *testing.T) {
	for _, c := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		got, err := ParseCodec(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCodec("gzip")
	assert.ErrorIs(t, err, ErrUnknownCodec)
	assert.Equal(t, "codec(7)", Codec(7).String())
}

func TestWriteBasis(t *testing.T) {
	ctx := context.Background()
	svd, err := romsvd.New(ctx, comm.Local(), 3, romsvd.WithSamplesPerInterval(2))
	require.NoError(t, err)

	store := NewMemoryStore()
	w := Writer{Store: store, Codec: CodecLZ4}
	samples := [][]float64{{1, 0, 0}, {0, 2, 0}, {0, 0, 3}}
	times := []float64{0, 0.5, 1}
	for i, u := range samples {
		ok, err := svd.TakeSample(ctx, u, times[i], false)
		require.NoError(t, err)
		require.True(t, ok)
		if i%2 == 1 || i == len(samples)-1 {
			_, err := w.WriteBasis(ctx, svd)
			require.NoError(t, err)
		}
	}

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{Name(0, 0), Name(1, 0)}, names)

	r := Reader{Store: store}
	b, err := r.BasisAt(ctx, 0, 0.75)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Interval)
	_, cols := b.Spatial.Dims()
	assert.Equal(t, 2, cols)
	assert.InDelta(t, 2.0, b.Singular.At(0, 0), 1e-12)

	b, err = r.BasisAt(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Interval)
	assert.Equal(t, 1.0, b.StartTime)
	assert.InDelta(t, 3.0, b.Singular.At(0, 0), 1e-12)
}

func TestWriteBasisLatePolicy(t *testing.T) {
	ctx := context.Background()
	late := romsvd.IntervalPolicyFunc(func(n, per int) bool { return n >= per })
	svd, err := romsvd.New(ctx, comm.Local(), 2,
		romsvd.WithSamplesPerInterval(2),
		romsvd.WithIntervalPolicy(late),
	)
	require.NoError(t, err)

	store := NewMemoryStore()
	w := Writer{Store: store, Codec: CodecNone}
	_, err = w.WriteBasis(ctx, svd)
	assert.ErrorIs(t, err, romsvd.ErrNoSamples)

	ok, err := svd.TakeSample(ctx, []float64{3, 4}, 1.5, false)
	require.NoError(t, err)
	require.True(t, ok)

	name, err := w.WriteBasis(ctx, svd)
	require.NoError(t, err)
	assert.Equal(t, Name(0, 0), name)

	b, err := Reader{Store: store}.Basis(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, b.StartTime)
	assert.InDelta(t, 5.0, b.Singular.At(0, 0), 1e-12)
}
