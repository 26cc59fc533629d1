package natscomm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pierrec/lz4/v4"
)

func encodeInts(v []int) []byte {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(int64(x)))
	}
	return buf
}

func decodeInts(buf []byte, n int) ([]int, error) {
	if len(buf) != 8*n {
		return nil, fmt.Errorf("%w: %d bytes for %d ints", ErrBadFrame, len(buf), n)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(int64(binary.LittleEndian.Uint64(buf[8*i:])))
	}
	return out, nil
}

func encodeFloats(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	return buf
}

func decodeFloats(buf []byte, n int) ([]float64, error) {
	if len(buf) != 8*n {
		return nil, fmt.Errorf("%w: %d bytes for %d floats", ErrBadFrame, len(buf), n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}

// compressLZ4 reports false when the payload does not shrink.
func compressLZ4(data []byte) ([]byte, bool) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil || n == 0 || n >= len(data) {
		return nil, false
	}
	return dst[:n], true
}

func uncompressLZ4(data []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, errors.New("decompressed size mismatch")
	}
	return dst, nil
}
