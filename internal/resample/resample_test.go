package resample

import "testing"

func TestLinearSameRateIsCopy(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	out := Linear(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("expected identity length, got %d", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("expected identity copy at %d, got %d want %d", i, out[i], in[i])
		}
	}
}

func TestLinearDownsampleHalvesLength(t *testing.T) {
	in := make([]int16, 320) // 20ms at 16kHz
	for i := range in {
		in[i] = int16(i % 100)
	}
	out := Linear(in, 16000, 8000)
	if len(out) < 159 || len(out) > 161 {
		t.Fatalf("expected roughly half-length output, got %d", len(out))
	}
}

func TestSincUpsampleDoublesLength(t *testing.T) {
	in := make([]int16, 441) // 20ms at 22050Hz
	for i := range in {
		in[i] = int16(1000 * sinApprox(float64(i)/22050.0))
	}
	out := Sinc(in, 22050, 48000)
	wantLen := int(float64(len(in)) * 48000.0 / 22050.0) // 960, a little over double
	// Sinc computes outLen via inRate/outRate ratio against len(in); allow
	// one sample of floating-point rounding either way.
	if len(out) == 0 {
		t.Fatal("expected non-empty output")
	}
	if len(out) < wantLen-1 || len(out) > wantLen+1 {
		t.Fatalf("expected about %d output samples, got %d", wantLen, len(out))
	}
}

func TestSincStaysInRange(t *testing.T) {
	in := []int16{32767, -32768, 32767, -32768, 0, 0, 0, 0}
	out := Sinc(in, 16000, 48000)
	for _, s := range out {
		if s > 32767 || s < -32768 {
			t.Fatalf("sample out of int16 range: %d", s)
		}
	}
}

func sinApprox(x float64) float64 {
	// crude sine approximation good enough for a smoke test fixture
	for x > 1 {
		x -= 1
	}
	return x - x*x*x/6
}
