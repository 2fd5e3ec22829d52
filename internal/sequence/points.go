package sequence

import (
	"math"

	"github.com/loykin/cryorun/internal/errkind"
)

// Points unrolls a scan into concrete setpoints. With NSteps set, the step
// is (end-start)/n and both endpoints are included (n+1 points). With a
// step, points start inclusive at StartK and stop at the last one not past
// EndK in the scan direction.
func (s ScanTemperature) Points() ([]float64, error) {
	if s.NSteps > 0 {
		step := (s.EndK - s.StartK) / float64(s.NSteps)
		pts := make([]float64, 0, s.NSteps+1)
		for i := 0; i <= s.NSteps; i++ {
			pts = append(pts, s.StartK+float64(i)*step)
		}
		return pts, nil
	}
	if s.StepK == 0 {
		return nil, errkind.Newf(errkind.KindValue, "sequence", "Points",
			"scan needs a step or a point count")
	}
	step := math.Abs(s.StepK)
	if s.EndK < s.StartK {
		step = -step
	}
	var pts []float64
	// tiny tolerance keeps the endpoint when float steps land on it
	eps := math.Abs(step) * 1e-9
	for p := s.StartK; (step > 0 && p <= s.EndK+eps) || (step < 0 && p >= s.EndK-eps); p += step {
		pts = append(pts, p)
	}
	return pts, nil
}
