package romsvd

import (
	"errors"

	"github.com/yyyoichi/romsvd/internal/samplestore"
	"github.com/yyyoichi/romsvd/internal/svd"
)

var (
	ErrInvalidDimension          = errors.New("dimension must be positive")
	ErrInvalidSamplesPerInterval = errors.New("samples per interval must be positive")
	ErrInvalidMaxBasisDimension  = errors.New("max basis dimension must be positive")
	ErrNegativeTolerance         = errors.New("sigma tolerance must be finite and not negative")
	ErrInvalidSample             = errors.New("sample length does not match dimension")
	ErrNegativeTime              = errors.New("sample time must not be negative")
	ErrIntervalFull              = errors.New("time interval holds no more samples")
	ErrNoSamples                 = errors.New("no samples taken")
	ErrCollective                = errors.New("collective operation failed")
	ErrBroken                    = errors.New("svd unusable after collective failure")

	ErrBlockTooSmall = samplestore.ErrBlockTooSmall
	ErrFactorize     = svd.ErrFactorize
)
