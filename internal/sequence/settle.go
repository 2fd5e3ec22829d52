package sequence

import (
	"math"
)

// Thresholds of the five settle predicates. Values come from the sequence
// configuration; zero fields fall back to the defaults.
type Thresholds struct {
	TK             float64 // |T - target|
	TmeanK         float64 // |rolling mean - target|
	StderrRel      float64 // relative standard error of the window
	SlopeKpm       float64 // |slope| in K/min from a degree-1 fit
	SlopeResiduals float64 // rms residual of the fit
	// Consecutive is how many ticks in a row all predicates must hold.
	Consecutive int
}

// DefaultThresholds returns the stock settle tolerances.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TK:             0.1,
		TmeanK:         0.05,
		StderrRel:      1e-3,
		SlopeKpm:       0.02,
		SlopeResiduals: 1e-2,
		Consecutive:    3,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.TK <= 0 {
		t.TK = d.TK
	}
	if t.TmeanK <= 0 {
		t.TmeanK = d.TmeanK
	}
	if t.StderrRel <= 0 {
		t.StderrRel = d.StderrRel
	}
	if t.SlopeKpm <= 0 {
		t.SlopeKpm = d.SlopeKpm
	}
	if t.SlopeResiduals <= 0 {
		t.SlopeResiduals = d.SlopeResiduals
	}
	if t.Consecutive <= 0 {
		t.Consecutive = d.Consecutive
	}
	return t
}

// settler accumulates samples of the designated quantity and decides when
// the setpoint is reached.
type settler struct {
	th     Thresholds
	target float64
	// window of the last Consecutive samples with their times in minutes
	times  []float64
	values []float64
	streak int
}

func newSettler(th Thresholds, target float64) *settler {
	return &settler{th: th.withDefaults(), target: target}
}

// observe adds one sample (t in minutes since settle start) and reports
// whether all predicates have now held for the required streak.
func (s *settler) observe(tMin, value float64) bool {
	s.times = append(s.times, tMin)
	s.values = append(s.values, value)
	if n := s.th.Consecutive; len(s.values) > n {
		s.times = s.times[len(s.times)-n:]
		s.values = s.values[len(s.values)-n:]
	}
	if s.holds() {
		s.streak++
	} else {
		s.streak = 0
	}
	return s.streak >= s.th.Consecutive
}

func (s *settler) holds() bool {
	n := len(s.values)
	if n < s.th.Consecutive {
		return false
	}
	latest := s.values[n-1]
	if math.Abs(latest-s.target) >= s.th.TK {
		return false
	}
	m := mean(s.values)
	if math.Abs(m-s.target) >= s.th.TmeanK {
		return false
	}
	if relStderr(s.values, m) >= s.th.StderrRel {
		return false
	}
	slope, resid := polyfit1(s.times, s.values)
	if math.Abs(slope) >= s.th.SlopeKpm {
		return false
	}
	return resid < s.th.SlopeResiduals
}

func mean(vs []float64) float64 {
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func std(vs []float64, m float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)-1))
}

// relStderr is the standard error of the mean relative to the mean itself.
func relStderr(vs []float64, m float64) float64 {
	if m == 0 {
		return math.Inf(1)
	}
	return math.Abs(std(vs, m) / math.Sqrt(float64(len(vs))) / m)
}

// polyfit1 fits y = a + b*x by least squares and returns the slope b and
// the rms residual.
func polyfit1(xs, ys []float64) (slope, rms float64) {
	n := float64(len(xs))
	if len(xs) < 2 {
		return 0, 0
	}
	mx := mean(xs)
	my := mean(ys)
	num, den := 0.0, 0.0
	for i := range xs {
		dx := xs[i] - mx
		num += dx * (ys[i] - my)
		den += dx * dx
	}
	if den == 0 {
		return 0, 0
	}
	slope = num / den
	a := my - slope*mx
	sum := 0.0
	for i := range xs {
		r := ys[i] - a - slope*xs[i]
		sum += r * r
	}
	return slope, math.Sqrt(sum / n)
}
