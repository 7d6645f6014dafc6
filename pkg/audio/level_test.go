package audio

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"empty", FloatRMS(nil), 0},
		{"silence", FloatRMS(make([]float32, 64)), 0},
		{"full scale square", FloatRMS([]float32{1, -1, 1, -1}), 1},
		{"half scale", FloatRMS([]float32{0.5, -0.5}), 0.5},
		{"byte centred", RMS([]uint8{128, 128, 128}, 128, 128), 0},
		{"byte extremes", RMS([]uint8{0, 0}, 128, 128), 1},
		{"pcm16 half scale", RMS([]int16{16384, -16384, 16384, -16384}, 0, 32768), 0.5},
		{"zero half range", RMS([]float64{1, 2}, 0, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(tt.got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestDisplayLevel(t *testing.T) {
	tests := []struct {
		rms  float64
		want int
	}{
		{-0.2, 0},
		{0, 0},
		{0.001, 0},
		{0.002, 1},
		{0.5, 128},
		{1, 255},
		{3, 255},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := DisplayLevel(tt.rms); got != tt.want {
			t.Errorf("DisplayLevel(%v) = %d, want %d", tt.rms, got, tt.want)
		}
	}
}

func TestDisplayLevel_Monotonic(t *testing.T) {
	prev := DisplayLevel(0)
	for i := 1; i <= 10000; i++ {
		rms := float64(i) / 10000
		got := DisplayLevel(rms)
		if got < prev {
			t.Fatalf("level decreased at rms=%v: %d < %d", rms, got, prev)
		}
		if want := int(math.Round(math.Min(rms*255, 255))); got != want {
			t.Fatalf("DisplayLevel(%v) = %d, want %d", rms, got, want)
		}
		prev = got
	}
}
