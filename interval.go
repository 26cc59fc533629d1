package romsvd

// IntervalPolicy decides whether the next sample starts a new time interval.
type IntervalPolicy interface {
	IsNewTimeInterval(numSamples, samplesPerInterval int) bool
}

// CapacityPolicy starts a new interval before the first sample and whenever the
// current one is full.
type CapacityPolicy struct{}

func (CapacityPolicy) IsNewTimeInterval(numSamples, samplesPerInterval int) bool {
	return numSamples == 0 || numSamples >= samplesPerInterval
}

// IntervalPolicyFunc adapts a function to IntervalPolicy.
type IntervalPolicyFunc func(numSamples, samplesPerInterval int) bool

func (f IntervalPolicyFunc) IsNewTimeInterval(numSamples, samplesPerInterval int) bool {
	return f(numSamples, samplesPerInterval)
}
