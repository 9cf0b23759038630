// Package resample implements the two PCM sample-rate converters the
// pipeline needs: a cheap linear resampler for ingress (anything -> 16kHz
// mono for VAD/STT) and a higher-quality windowed-sinc resampler for
// egress (synthesis rate -> publish rate, typically 22050 -> 48000).
//
// No ecosystem audio-DSP library is available here (the only other
// PCM-level code around, tts/server.go's WAV reader, hand-rolls its byte
// math too), so both converters are implemented directly against the
// standard library.
package resample

import "math"

// Linear resamples mono int16 PCM from inRate to outRate using linear
// interpolation between samples. This is the ingress path: cheap enough to
// run per 20ms frame without adding to the VAD latency budget.
func Linear(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(inRate) / float64(outRate)
	outLen := int(math.Ceil(float64(len(in)) / ratio))
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		i0 := int(srcPos)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := srcPos - float64(i0)
		s0, s1 := float64(in[i0]), float64(in[i0+1])
		out[i] = int16(s0 + (s1-s0)*frac)
	}
	return out
}

// sincWindow is the half-width, in input samples, of the windowed-sinc
// kernel used by Sinc. Larger values trade CPU for fewer aliasing
// artifacts; 8 is enough headroom for speech-band audio.
const sincWindow = 8

// Sinc resamples mono int16 PCM from inRate to outRate using a
// Hann-windowed sinc kernel. This is the egress path (synthesis rate to
// publish rate): quality matters more than raw speed since it runs once
// per synthesized chunk, not per ingress frame.
func Sinc(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(inRate) / float64(outRate)
	outLen := int(float64(len(in)) / ratio)
	out := make([]int16, outLen)

	// When downsampling, widen the kernel's support in input-sample terms
	// so we still low-pass correctly (classic sinc-resampling technique).
	scale := 1.0
	if ratio > 1.0 {
		scale = 1.0 / ratio
	}

	half := int(math.Ceil(float64(sincWindow) / scale))

	for i := range out {
		center := float64(i) * ratio
		lo := int(math.Floor(center)) - half
		hi := int(math.Floor(center)) + half
		var acc, wsum float64
		for j := lo; j <= hi; j++ {
			if j < 0 || j >= len(in) {
				continue
			}
			x := (center - float64(j)) * scale
			w := sincKernel(x) * hannWindow(x, float64(sincWindow))
			acc += float64(in[j]) * w
			wsum += w
		}
		if wsum == 0 {
			out[i] = 0
			continue
		}
		out[i] = clampInt16(acc / wsum)
	}
	return out
}

func sincKernel(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hannWindow(x, halfWidth float64) float64 {
	if math.Abs(x) >= halfWidth {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*x/halfWidth))
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
