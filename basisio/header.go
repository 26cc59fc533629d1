package basisio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/yyyoichi/bitstream-go"
	"github.com/yyyoichi/golay"
)

const (
	magic   = 0x52535642 // "RSVB"
	version = 1

	// magic, version, codec, reserved, interval, rank, dim, r, n, start
	// time, raw length, stored length, checksum; a multiple of 12 bits
	headerBits = 32 + 8 + 8 + 4 + 32*5 + 64 + 32*3
)

var (
	encodedHeaderBits = golay.EncodedBits(headerBits)
	headerWords       = (encodedHeaderBits + 63) / 64
	// HeaderSize is the size in bytes of the error-corrected header.
	HeaderSize = headerWords * 8
)

var (
	ErrShortHeader = errors.New("data shorter than basis header")
	ErrBadMagic    = errors.New("not an encoded basis")
	ErrBadVersion  = errors.New("unsupported basis version")
)

// header is the fixed-size prefix of an encoded basis. It is protected with
// Golay(24,12) so that up to three flipped bits per codeword are corrected.
type header struct {
	codec     Codec
	interval  uint32
	rank      uint32
	dim       uint32
	r         uint32
	n         uint32
	startTime float64
	rawLen    uint32
	storedLen uint32
	checksum  uint32
}

type fieldWriter struct {
	w *bitstream.BitWriter[uint64]
}

func (f fieldWriter) put(v uint64, bits int) {
	for i := bits - 1; i >= 0; i-- {
		f.w.WriteBool(v>>i&1 == 1)
	}
}

type fieldReader struct {
	r   *bitstream.BitReader[uint64]
	pos int
}

func (f *fieldReader) get(bits int) (uint64, error) {
	var v uint64
	for range bits {
		bit, err := f.r.ReadBitAt(f.pos)
		if err != nil {
			return 0, err
		}
		v <<= 1
		if bit {
			v |= 1
		}
		f.pos++
	}
	return v, nil
}

func (h header) marshal() ([]byte, error) {
	fw := fieldWriter{w: bitstream.NewBitWriter[uint64](0, 0)}
	fw.put(magic, 32)
	fw.put(version, 8)
	fw.put(uint64(h.codec), 8)
	fw.put(0, 4)
	fw.put(uint64(h.interval), 32)
	fw.put(uint64(h.rank), 32)
	fw.put(uint64(h.dim), 32)
	fw.put(uint64(h.r), 32)
	fw.put(uint64(h.n), 32)
	fw.put(math.Float64bits(h.startTime), 64)
	fw.put(uint64(h.rawLen), 32)
	fw.put(uint64(h.storedLen), 32)
	fw.put(uint64(h.checksum), 32)

	var encoded []uint64
	enc := golay.NewEncoder(&encoded)
	if err := enc.Encode(fw.w.Data(), headerBits); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	out := make([]byte, HeaderSize)
	for i := range min(len(encoded), headerWords) {
		binary.LittleEndian.PutUint64(out[i*8:], encoded[i])
	}
	return out, nil
}

func unmarshalHeader(data []byte) (header, error) {
	if len(data) < HeaderSize {
		return header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(data))
	}
	words := make([]uint64, headerWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	var decoded []uint64
	dec := golay.NewDecoder(words, encodedHeaderBits)
	if err := dec.Decode(&decoded); err != nil {
		return header{}, fmt.Errorf("decode header: %w", err)
	}
	r := bitstream.NewBitReader(decoded, 0, 0)
	r.SetBits(headerBits)
	fr := &fieldReader{r: r}

	fields := make([]uint64, 13)
	for i, bits := range []int{32, 8, 8, 4, 32, 32, 32, 32, 32, 64, 32, 32, 32} {
		v, err := fr.get(bits)
		if err != nil {
			return header{}, fmt.Errorf("read header: %w", err)
		}
		fields[i] = v
	}
	if fields[0] != magic {
		return header{}, ErrBadMagic
	}
	if fields[1] != version {
		return header{}, fmt.Errorf("%w: %d", ErrBadVersion, fields[1])
	}
	return header{
		codec:     Codec(fields[2]),
		interval:  uint32(fields[4]),
		rank:      uint32(fields[5]),
		dim:       uint32(fields[6]),
		r:         uint32(fields[7]),
		n:         uint32(fields[8]),
		startTime: math.Float64frombits(fields[9]),
		rawLen:    uint32(fields[10]),
		storedLen: uint32(fields[11]),
		checksum:  uint32(fields[12]),
	}, nil
}
