package tracemachine

import "time"

// SampleType names a vitals series.
type SampleType string

const (
	SampleMemory SampleType = "MEMORY"
	SampleCPU    SampleType = "CPU"
)

// SampleValue is a numeric sample value, either floating point or integer.
type SampleValue struct {
	f       float64
	i       int64
	isFloat bool
}

// FloatValue wraps a floating point sample.
func FloatValue(v float64) SampleValue {
	return SampleValue{f: v, isFloat: true}
}

// IntValue wraps an integer sample.
func IntValue(v int64) SampleValue {
	return SampleValue{i: v}
}

// IsFloat reports whether the value is floating point.
func (v SampleValue) IsFloat() bool {
	return v.isFloat
}

// Float returns the value as a float64.
func (v SampleValue) Float() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

// Int returns the value as an int64, truncating floats.
func (v SampleValue) Int() int64 {
	if v.isFloat {
		return int64(v.f)
	}
	return v.i
}

func (v SampleValue) wire() any {
	if v.isFloat {
		return v.f
	}
	return v.i
}

// Sample is one timestamped vitals reading.
type Sample struct {
	Timestamp time.Time
	Type      SampleType
	Value     SampleValue
}

func (s Sample) wire() []any {
	return []any{s.Timestamp.UnixMilli(), s.Value.wire()}
}

func copyVitals(vitals map[SampleType][]Sample) map[SampleType][]Sample {
	out := make(map[SampleType][]Sample, len(vitals))
	for k, samples := range vitals {
		c := make([]Sample, len(samples))
		copy(c, samples)
		out[k] = c
	}
	return out
}
