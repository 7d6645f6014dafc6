package audio

import "math"

// Sample is any time-domain sample representation the analyser can read.
type Sample interface {
	~uint8 | ~int16 | ~int32 | ~float32 | ~float64
}

// MaxDisplayLevel is the upper bound of DisplayLevel.
const MaxDisplayLevel = 255

// RMS computes sqrt(mean(((s-center)/halfRange)^2)) over window.
// An empty window or a zero halfRange yields 0.
func RMS[S Sample](window []S, center, halfRange float64) float64 {
	if len(window) == 0 || halfRange == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		v := (float64(s) - center) / halfRange
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(window)))
}

// FloatRMS is RMS for normalised float samples in [-1, 1].
func FloatRMS(window []float32) float64 {
	return RMS(window, 0, 1)
}

// DisplayLevel maps an RMS value to round(clamp(rms*255, 0, 255)).
func DisplayLevel(rms float64) int {
	v := rms * MaxDisplayLevel
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= MaxDisplayLevel:
		return MaxDisplayLevel
	}
	return int(math.Round(v))
}
