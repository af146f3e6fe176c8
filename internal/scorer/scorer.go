// Package scorer computes automatic quality signals over decoded audio
// buffers: a composite score used by the candidate pre-filter and a tonal
// distance used to predict splice smoothness between adjacent chunks.
//
// Both entry points are pure functions with no I/O. The composite score is a
// pre-filter signal, not a ranking: the winning candidate is always chosen
// by a human.
package scorer

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Analysis parameters.
const (
	frameSize = 1024
	hopSize   = 512

	// silenceFloorRMS is the RMS level below which a buffer is treated as
	// effectively silent and scores near zero.
	silenceFloorRMS = 1e-3

	// clipLevel is the absolute sample level counted as digital clipping.
	clipLevel = 0.999

	// contrastBands is the number of log-spaced bands used for spectral
	// contrast and the tonal feature vector.
	contrastBands = 6
	featureBands  = 8

	// rolloffFraction is the cumulative-energy fraction for the spectral
	// rolloff feature.
	rolloffFraction = 0.85

	epsilon = 1e-12
)

// Composite score weights. The blend is monotonic in "obviously broken"
// detection: silence, clipping, and extreme noise all drive it toward zero.
const (
	weightFluxVariance = 0.35
	weightContrast     = 0.25
	weightTonality     = 0.25
	weightHighFreq     = 0.15

	fluxVarianceKnee = 0.02
	contrastKnee     = 2.0

	clipPenaltySlope = 20.0
	highFreqKnee     = 0.5
)

// Score computes the composite quality score for a mono sample buffer,
// in [0, 1].
func Score(samples []float64, sampleRate int) float64 {
	if len(samples) == 0 || sampleRate <= 0 {
		return 0
	}

	level := rms(samples)
	if level < silenceFloorRMS {
		// Scale within the silence floor so deeper silence scores lower.
		return clamp01(level / silenceFloorRMS * 0.05)
	}

	spectra := magnitudeSpectra(samples)
	if len(spectra) == 0 {
		return 0
	}

	fluxVariance := spectralFluxVariance(spectra)
	contrast := spectralContrast(spectra)
	flatness := spectralFlatness(spectra)
	highFreq := highFrequencyRatio(spectra, sampleRate)

	fluxScore := fluxVariance / (fluxVariance + fluxVarianceKnee)
	contrastScore := contrast / (contrast + contrastKnee)
	tonalityScore := 1 - flatness
	highFreqScore := 1 - math.Min(1, highFreq/highFreqKnee)

	composite := weightFluxVariance*fluxScore +
		weightContrast*contrastScore +
		weightTonality*tonalityScore +
		weightHighFreq*highFreqScore

	clipPenalty := 1 - math.Min(1, clippingRatio(samples)*clipPenaltySlope)

	return clamp01(composite * clipPenalty)
}

// TonalDistance measures timbral and pitch dissimilarity between two mono
// buffers as the Euclidean distance between their spectral feature vectors.
// It is symmetric, zero for identical audio, and larger for dissimilar
// audio.
func TonalDistance(a, b []float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}

	featuresA := tonalFeatures(a, sampleRate)
	featuresB := tonalFeatures(b, sampleRate)

	sum := 0.0
	for i := range featuresA {
		diff := featuresA[i] - featuresB[i]
		sum += diff * diff
	}

	return math.Sqrt(sum)
}

// magnitudeSpectra slices the signal into Hann-windowed frames and returns
// the magnitude spectrum of each.
func magnitudeSpectra(samples []float64) [][]float64 {
	if len(samples) < frameSize {
		padded := make([]float64, frameSize)
		copy(padded, samples)
		samples = padded
	}

	hann := window.Hann(frameSize)
	bins := frameSize/2 + 1

	var spectra [][]float64

	for start := 0; start+frameSize <= len(samples); start += hopSize {
		frame := make([]float64, frameSize)
		for i := range frame {
			frame[i] = samples[start+i] * hann[i]
		}

		transformed := fft.FFTReal(frame)

		magnitudes := make([]float64, bins)
		for i := range bins {
			magnitudes[i] = cmplx.Abs(transformed[i])
		}

		spectra = append(spectra, magnitudes)
	}

	return spectra
}

// spectralFluxVariance is the variance across the signal of the positive
// frame-to-frame spectral change. Steady tones and stuck buffers have
// near-zero variance; natural speech does not.
func spectralFluxVariance(spectra [][]float64) float64 {
	if len(spectra) < 2 {
		return 0
	}

	fluxes := make([]float64, 0, len(spectra)-1)

	for i := 1; i < len(spectra); i++ {
		previous := normalize(spectra[i-1])
		current := normalize(spectra[i])

		flux := 0.0

		for bin := range current {
			diff := current[bin] - previous[bin]
			if diff > 0 {
				flux += diff * diff
			}
		}

		fluxes = append(fluxes, math.Sqrt(flux))
	}

	return variance(fluxes)
}

// spectralContrast averages the log peak-to-valley ratio across log-spaced
// bands, per frame.
func spectralContrast(spectra [][]float64) float64 {
	total := 0.0

	for _, magnitudes := range spectra {
		bandTotal := 0.0

		for _, band := range splitBands(magnitudes, contrastBands) {
			peak, valley := band[0], band[0]

			for _, magnitude := range band {
				peak = math.Max(peak, magnitude)
				valley = math.Min(valley, magnitude)
			}

			bandTotal += math.Log((peak + epsilon) / (valley + epsilon))
		}

		total += bandTotal / contrastBands
	}

	return total / float64(len(spectra))
}

// spectralFlatness is the geometric over arithmetic mean of the power
// spectrum, averaged over frames: near 1 for white noise, near 0 for tones.
func spectralFlatness(spectra [][]float64) float64 {
	total := 0.0

	for _, magnitudes := range spectra {
		logSum := 0.0
		sum := 0.0

		for _, magnitude := range magnitudes {
			power := magnitude*magnitude + epsilon
			logSum += math.Log(power)
			sum += power
		}

		count := float64(len(magnitudes))
		geometric := math.Exp(logSum / count)
		arithmetic := sum / count

		total += geometric / arithmetic
	}

	return total / float64(len(spectra))
}

// highFrequencyRatio is the share of spectral energy above 4 kHz.
func highFrequencyRatio(spectra [][]float64, sampleRate int) float64 {
	const cutoffHz = 4000.0

	nyquist := float64(sampleRate) / 2

	total := 0.0
	high := 0.0

	for _, magnitudes := range spectra {
		bins := len(magnitudes)

		for bin, magnitude := range magnitudes {
			power := magnitude * magnitude
			total += power

			frequency := float64(bin) / float64(bins-1) * nyquist
			if frequency >= cutoffHz {
				high += power
			}
		}
	}

	if total == 0 {
		return 0
	}

	return high / total
}

// tonalFeatures extracts the feature vector compared by TonalDistance:
// spectral centroid, rolloff, flatness, and normalized log band energies.
func tonalFeatures(samples []float64, sampleRate int) []float64 {
	features := make([]float64, 3+featureBands)

	spectra := magnitudeSpectra(samples)
	if len(spectra) == 0 {
		return features
	}

	// Average spectrum over all frames.
	mean := make([]float64, len(spectra[0]))

	for _, magnitudes := range spectra {
		for bin, magnitude := range magnitudes {
			mean[bin] += magnitude
		}
	}

	for bin := range mean {
		mean[bin] /= float64(len(spectra))
	}

	features[0] = spectralCentroid(mean)
	features[1] = spectralRolloff(mean)
	features[2] = spectralFlatness([][]float64{mean})

	bandEnergies := make([]float64, featureBands)
	total := 0.0

	for band, bins := range splitBands(mean, featureBands) {
		energy := 0.0
		for _, magnitude := range bins {
			energy += magnitude * magnitude
		}

		bandEnergies[band] = energy
		total += energy
	}

	for band, energy := range bandEnergies {
		features[3+band] = math.Log1p(energy / (total + epsilon))
	}

	return features
}

// spectralCentroid is the magnitude-weighted mean bin, normalized to [0,1].
func spectralCentroid(magnitudes []float64) float64 {
	weighted := 0.0
	total := 0.0

	for bin, magnitude := range magnitudes {
		weighted += float64(bin) * magnitude
		total += magnitude
	}

	if total == 0 {
		return 0
	}

	return weighted / total / float64(len(magnitudes)-1)
}

// spectralRolloff is the normalized bin below which rolloffFraction of the
// spectral energy lies.
func spectralRolloff(magnitudes []float64) float64 {
	total := 0.0
	for _, magnitude := range magnitudes {
		total += magnitude * magnitude
	}

	if total == 0 {
		return 0
	}

	cumulative := 0.0

	for bin, magnitude := range magnitudes {
		cumulative += magnitude * magnitude
		if cumulative >= rolloffFraction*total {
			return float64(bin) / float64(len(magnitudes)-1)
		}
	}

	return 1
}

// splitBands partitions a spectrum into logarithmically sized bands.
func splitBands(magnitudes []float64, bands int) [][]float64 {
	result := make([][]float64, 0, bands)

	bins := len(magnitudes)
	start := 0

	for band := range bands {
		// Log-spaced band edges over the bin range.
		end := int(math.Pow(float64(bins), float64(band+1)/float64(bands)))
		if end <= start {
			end = start + 1
		}

		if end > bins {
			end = bins
		}

		result = append(result, magnitudes[start:end])
		start = end
	}

	return result
}

func clippingRatio(samples []float64) float64 {
	clipped := 0

	for _, sample := range samples {
		if math.Abs(sample) >= clipLevel {
			clipped++
		}
	}

	return float64(clipped) / float64(len(samples))
}

func normalize(magnitudes []float64) []float64 {
	total := 0.0
	for _, magnitude := range magnitudes {
		total += magnitude
	}

	if total == 0 {
		return magnitudes
	}

	normalized := make([]float64, len(magnitudes))
	for bin, magnitude := range magnitudes {
		normalized[bin] = magnitude / total
	}

	return normalized
}

func clamp01(value float64) float64 {
	return math.Min(1, math.Max(0, value))
}

func rms(samples []float64) float64 {
	sum := 0.0
	for _, sample := range samples {
		sum += sample * sample
	}

	return math.Sqrt(sum / float64(len(samples)))
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	mean := 0.0
	for _, value := range values {
		mean += value
	}

	mean /= float64(len(values))

	total := 0.0

	for _, value := range values {
		diff := value - mean
		total += diff * diff
	}

	return total / float64(len(values))
}
