package blockcyclic

import (
	"errors"
	"fmt"
)

var ErrInvalidBuffer = errors.New("invalid local buffer")

// StorageOrder tells how a flat local buffer maps to (row, col).
type StorageOrder int

const (
	RowMajor StorageOrder = iota
	ColMajor
)

func (o StorageOrder) String() string {
	switch o {
	case RowMajor:
		return "row-major"
	case ColMajor:
		return "col-major"
	default:
		return fmt.Sprintf("StorageOrder(%d)", int(o))
	}
}

// Buffer is a worker-local dense block in an explicit storage order.
type Buffer struct {
	Data       []float64
	Rows, Cols int
	Order      StorageOrder
}

// Column wraps a contiguous vector as a single-column buffer.
func Column(v []float64) Buffer {
	return Buffer{Data: v, Rows: len(v), Cols: 1, Order: ColMajor}
}

func (b Buffer) At(i, j int) float64 {
	if b.Order == ColMajor {
		return b.Data[j*b.Rows+i]
	}
	return b.Data[i*b.Cols+j]
}

func (b Buffer) validate() error {
	if b.Rows < 0 || b.Cols < 0 || len(b.Data) != b.Rows*b.Cols {
		return fmt.Errorf("%w: %d values for %dx%d", ErrInvalidBuffer, len(b.Data), b.Rows, b.Cols)
	}
	if b.Order != RowMajor && b.Order != ColMajor {
		return fmt.Errorf("%w: %s", ErrInvalidBuffer, b.Order)
	}
	return nil
}
