// Package basisio persists the bases computed by romsvd workers.
//
// An encoded basis is a Golay-protected fixed-size header followed by the
// optionally compressed matrices. Each worker stores its own rows of the
// spatial basis under interval-NNNN/rank-NNNNN.basis.
package basisio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidBasis = errors.New("inconsistent basis shape")
	ErrCorrupt      = errors.New("basis body corrupt")
)

// Basis is one worker's basis triplet for one time interval.
type Basis struct {
	Interval  int
	Rank      int
	StartTime float64
	// Spatial is dim x r, Singular r x r diagonal, Temporal n x r. All three
	// are empty when no triplet was retained.
	Spatial  *mat.Dense
	Singular *mat.Dense
	Temporal *mat.Dense
}

// Info is the header of an encoded basis.
type Info struct {
	Interval  int
	Rank      int
	StartTime float64
	Dim       int
	R         int
	N         int
	Codec     Codec
}

func dims(m *mat.Dense) (int, int) {
	if m == nil || m.IsEmpty() {
		return 0, 0
	}
	return m.Dims()
}

func (b Basis) shape() (dim, r, n int, err error) {
	dim, r = dims(b.Spatial)
	sr, sc := dims(b.Singular)
	n, tr := dims(b.Temporal)
	if sr != r || sc != r || tr != r {
		return 0, 0, 0, fmt.Errorf("%w: spatial %dx%d singular %dx%d temporal %dx%d", ErrInvalidBasis, dim, r, sr, sc, n, tr)
	}
	if b.Interval < 0 || b.Rank < 0 {
		return 0, 0, 0, fmt.Errorf("%w: interval %d rank %d", ErrInvalidBasis, b.Interval, b.Rank)
	}
	return dim, r, n, nil
}

// Encode serializes b. The body is compressed with codec unless that does not
// make it smaller.
func Encode(b Basis, codec Codec) ([]byte, error) {
	dim, r, n, err := b.shape()
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 8*(dim*r+r+n*r))
	body = appendDense(body, b.Spatial, dim, r)
	for i := range r {
		body = binary.LittleEndian.AppendUint64(body, math.Float64bits(b.Singular.At(i, i)))
	}
	body = appendDense(body, b.Temporal, n, r)
	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrInvalidBasis, len(body))
	}

	stored, used, err := compress(body, codec)
	if err != nil {
		return nil, err
	}
	h := header{
		codec:     used,
		interval:  uint32(b.Interval),
		rank:      uint32(b.Rank),
		dim:       uint32(dim),
		r:         uint32(r),
		n:         uint32(n),
		startTime: b.StartTime,
		rawLen:    uint32(len(body)),
		storedLen: uint32(len(stored)),
		checksum:  crc32.ChecksumIEEE(stored),
	}
	head, err := h.marshal()
	if err != nil {
		return nil, err
	}
	return append(head, stored...), nil
}

func appendDense(dst []byte, m *mat.Dense, rows, cols int) []byte {
	for i := range rows {
		for j := range cols {
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.At(i, j)))
		}
	}
	return dst
}

// DecodeInfo reads only the header of an encoded basis.
func DecodeInfo(data []byte) (Info, error) {
	h, err := unmarshalHeader(data)
	if err != nil {
		return Info{}, err
	}
	return h.info(), nil
}

func (h header) info() Info {
	return Info{
		Interval:  int(h.interval),
		Rank:      int(h.rank),
		StartTime: h.startTime,
		Dim:       int(h.dim),
		R:         int(h.r),
		N:         int(h.n),
		Codec:     h.codec,
	}
}

func Decode(data []byte) (Basis, error) {
	h, err := unmarshalHeader(data)
	if err != nil {
		return Basis{}, err
	}
	stored := data[HeaderSize:]
	if len(stored) != int(h.storedLen) {
		return Basis{}, fmt.Errorf("%w: %d bytes, header says %d", ErrCorrupt, len(stored), h.storedLen)
	}
	if crc32.ChecksumIEEE(stored) != h.checksum {
		return Basis{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	body, err := decompress(stored, h.codec, int(h.rawLen))
	if err != nil {
		return Basis{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	dim, r, n := int(h.dim), int(h.r), int(h.n)
	if len(body) != 8*(dim*r+r+n*r) {
		return Basis{}, fmt.Errorf("%w: body of %d bytes for %dx%d and %dx%d", ErrCorrupt, len(body), dim, r, n, r)
	}

	b := Basis{
		Interval:  int(h.interval),
		Rank:      int(h.rank),
		StartTime: h.startTime,
		Spatial:   &mat.Dense{},
		Singular:  &mat.Dense{},
		Temporal:  &mat.Dense{},
	}
	if r == 0 {
		return b, nil
	}
	values := make([]float64, len(body)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
	}
	if dim > 0 {
		b.Spatial = mat.NewDense(dim, r, values[:dim*r])
	}
	b.Singular = mat.NewDense(r, r, nil)
	for i, v := range values[dim*r : dim*r+r] {
		b.Singular.Set(i, i, v)
	}
	if n > 0 {
		b.Temporal = mat.NewDense(n, r, values[dim*r+r:])
	}
	return b, nil
}
