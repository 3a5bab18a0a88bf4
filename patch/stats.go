package patch

import (
	"fmt"
	"math"
)

// ChannelStats holds per-channel statistics over a whole stack.
type ChannelStats struct {
	Mean []float64
	Std  []float64
	Min  []float64
	Max  []float64
}

// Variances returns the squared per-channel standard deviations, the values
// that feed a model's channel variance constants.
func (cs ChannelStats) Variances() []float64 {
	out := make([]float64, len(cs.Std))
	for i, s := range cs.Std {
		out[i] = s * s
	}
	return out
}

// ComputeChannelStats computes mean, sample standard deviation, min and max
// for every channel across all patches and pixels.
func ComputeChannelStats(s *Stack) ChannelStats {
	c := s.Channels()
	cs := ChannelStats{
		Mean: make([]float64, c),
		Std:  make([]float64, c),
		Min:  make([]float64, c),
		Max:  make([]float64, c),
	}

	n := s.Len()
	plane := s.Height() * s.Width()
	if n == 0 {
		return cs
	}

	for ch := 0; ch < c; ch++ {
		sum := 0.0
		mn := math.Inf(1)
		mx := math.Inf(-1)
		for i := 0; i < n; i++ {
			base := i*s.patchSize() + ch*plane
			for _, v := range s.data[base : base+plane] {
				f := float64(v)
				sum += f
				mn = math.Min(mn, f)
				mx = math.Max(mx, f)
			}
		}
		count := float64(n * plane)
		mean := sum / count

		ss := 0.0
		for i := 0; i < n; i++ {
			base := i*s.patchSize() + ch*plane
			for _, v := range s.data[base : base+plane] {
				d := float64(v) - mean
				ss += d * d
			}
		}
		std := 0.0
		if count > 1 {
			std = math.Sqrt(ss / (count - 1))
		}

		cs.Mean[ch] = mean
		cs.Std[ch] = std
		cs.Min[ch] = mn
		cs.Max[ch] = mx
	}
	return cs
}

// NormalizeZScore standardizes each channel over the whole stack, rescales it
// to the target mean/std, and clamps to [0, 1]. Constant channels collapse to
// their target mean. Returns a new stack.
func NormalizeZScore(s *Stack, targetMeans, targetStds []float64) (*Stack, error) {
	c := s.Channels()
	if len(targetMeans) != c || len(targetStds) != c {
		return nil, fmt.Errorf("patch: %d target means / %d stds for %d channels", len(targetMeans), len(targetStds), c)
	}

	stats := ComputeChannelStats(s)
	out := s.Clone()
	n := out.Len()
	plane := out.Height() * out.Width()
	for ch := 0; ch < c; ch++ {
		std := stats.Std[ch]
		if std == 0 {
			std = 1
		}
		for i := 0; i < n; i++ {
			base := i*out.patchSize() + ch*plane
			for k, v := range out.data[base : base+plane] {
				z := (float64(v) - stats.Mean[ch]) / std
				f := z*targetStds[ch] + targetMeans[ch]
				out.data[base+k] = float32(math.Min(1, math.Max(0, f)))
			}
		}
	}
	return out, nil
}

// NormalizeUnitRange divides each channel by its given maximum intensity,
// bringing raw sensor ranges towards [0, 1]. Returns a new stack.
func NormalizeUnitRange(s *Stack, channelMax []float64) (*Stack, error) {
	c := s.Channels()
	if len(channelMax) != c {
		return nil, fmt.Errorf("patch: %d channel maxima for %d channels", len(channelMax), c)
	}
	for ch, m := range channelMax {
		if m <= 0 {
			return nil, fmt.Errorf("patch: channel %d maximum must be positive, got %g", ch, m)
		}
	}

	out := s.Clone()
	n := out.Len()
	plane := out.Height() * out.Width()
	for ch := 0; ch < c; ch++ {
		inv := float32(1 / channelMax[ch])
		for i := 0; i < n; i++ {
			base := i*out.patchSize() + ch*plane
			for k := range out.data[base : base+plane] {
				out.data[base+k] *= inv
			}
		}
	}
	return out, nil
}
