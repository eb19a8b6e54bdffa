package trace

import (
	"encoding/binary"
	"math"

	"github.com/kzs0/autotrace/internal"
)

// SamplingDecision represents the decision made by a sampler.
type SamplingDecision int

const (
	SamplingDecisionDrop SamplingDecision = iota
	SamplingDecisionRecord
	SamplingDecisionRecordAndSample
)

// SamplingResult contains the result of a sampling decision.
type SamplingResult struct {
	Decision SamplingDecision
}

// Sampler decides whether a span should be sampled.
type Sampler interface {
	ShouldSample(traceID internal.TraceID, name string, parentSampled bool) SamplingResult
}

// AlwaysSampler always samples.
type AlwaysSampler struct{}

// ShouldSample always returns RecordAndSample.
func (AlwaysSampler) ShouldSample(internal.TraceID, string, bool) SamplingResult {
	return SamplingResult{Decision: SamplingDecisionRecordAndSample}
}

// NeverSampler never samples.
type NeverSampler struct{}

// ShouldSample always returns Drop.
func (NeverSampler) ShouldSample(internal.TraceID, string, bool) SamplingResult {
	return SamplingResult{Decision: SamplingDecisionDrop}
}

// RatioSampler samples a fraction of traces. The decision is a function of
// the trace ID, so every service sharing the ratio agrees on it.
type RatioSampler struct {
	bound uint64
}

// NewRatioSampler creates a sampler that samples the given fraction of traces.
// Ratio is clamped to [0, 1].
func NewRatioSampler(ratio float64) *RatioSampler {
	switch {
	case ratio <= 0:
		return &RatioSampler{}
	case ratio >= 1:
		return &RatioSampler{bound: math.MaxUint64}
	}
	return &RatioSampler{bound: uint64(ratio * math.MaxUint64)}
}

// ShouldSample compares the low 8 bytes of the trace ID against the ratio.
func (s *RatioSampler) ShouldSample(traceID internal.TraceID, _ string, _ bool) SamplingResult {
	if s.bound == 0 {
		return SamplingResult{Decision: SamplingDecisionDrop}
	}
	if binary.BigEndian.Uint64(traceID[8:]) <= s.bound {
		return SamplingResult{Decision: SamplingDecisionRecordAndSample}
	}
	return SamplingResult{Decision: SamplingDecisionDrop}
}

// ParentBasedSampler makes sampling decisions based on the parent span.
type ParentBasedSampler struct {
	root Sampler
}

// NewParentBasedSampler creates a sampler that follows the parent's sampling decision.
// If there is no sampled parent, it uses the provided root sampler.
func NewParentBasedSampler(root Sampler) *ParentBasedSampler {
	return &ParentBasedSampler{root: root}
}

// ShouldSample follows the parent's decision or delegates to the root sampler.
func (s *ParentBasedSampler) ShouldSample(traceID internal.TraceID, name string, parentSampled bool) SamplingResult {
	if parentSampled {
		return SamplingResult{Decision: SamplingDecisionRecordAndSample}
	}
	if s.root != nil {
		return s.root.ShouldSample(traceID, name, parentSampled)
	}
	return SamplingResult{Decision: SamplingDecisionDrop}
}
