package audio

import (
	"fmt"
	"math"
)

// Resample converts mono PCM16 between sample rates with a polyphase FIR
// filter. Rate factors are reduced by gcd before filtering and output values
// are clipped to the int16 range. Equal rates return a copy of the input.
//
// The output length is ceil(n*up/down) samples, so a rate conversion is
// length-exact within one sample of the ideal ratio.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}
	in := BytesToInt16(pcm)
	if len(in) == 0 {
		return nil, nil
	}

	g := gcd(toRate, fromRate)
	up := toRate / g
	down := fromRate / g

	h := designFilter(up, down)
	center := (len(h) - 1) / 2

	nOut := (len(in)*up + down - 1) / down
	out := make([]int16, nOut)

	// y[i] = sum over input samples k contributing to upsampled position
	// i*down + center, i.e. taps h[pos - k*up].
	for i := 0; i < nOut; i++ {
		pos := i*down + center
		kMin := (pos - (len(h) - 1) + up - 1) / up
		if kMin < 0 {
			kMin = 0
		}
		kMax := pos / up
		if kMax >= len(in) {
			kMax = len(in) - 1
		}
		var acc float64
		for k := kMin; k <= kMax; k++ {
			acc += h[pos-k*up] * float64(in[k])
		}
		out[i] = clipInt16(acc * float64(up))
	}
	return Int16ToBytes(out), nil
}

// ResampleTo48k normalizes arbitrary-rate mono PCM16 to 48 kHz.
func ResampleTo48k(pcm []byte, fromRate int) ([]byte, error) {
	return Resample(pcm, fromRate, 48000)
}

// Downsample48kTo16k decimates 48 kHz mono PCM16 to 16 kHz for STT.
func Downsample48kTo16k(pcm48 []byte) []byte {
	out, err := Resample(pcm48, 48000, 16000)
	if err != nil {
		return nil
	}
	return out
}

// designFilter builds a Kaiser-windowed lowpass for the given polyphase
// factors: cutoff at 1/max(up,down) of Nyquist, ten zero-crossing periods
// per side.
func designFilter(up, down int) []float64 {
	maxRate := up
	if down > maxRate {
		maxRate = down
	}
	half := 10 * maxRate
	taps := 2*half + 1
	cutoff := 1.0 / float64(maxRate)
	const beta = 5.0

	h := make([]float64, taps)
	denom := i0(beta)
	for n := 0; n < taps; n++ {
		x := float64(n-half) * cutoff
		s := sinc(x)
		r := 2.0*float64(n)/float64(taps-1) - 1.0
		w := i0(beta*math.Sqrt(1.0-r*r)) / denom
		h[n] = cutoff * s * w
	}
	return h
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// i0 is the zeroth-order modified Bessel function of the first kind,
// evaluated by power series.
func i0(x float64) float64 {
	sum := 1.0
	term := 1.0
	half := x / 2
	for k := 1; k < 32; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < 1e-12*sum {
			break
		}
	}
	return sum
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
