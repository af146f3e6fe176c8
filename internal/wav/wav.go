// Package wav provides lossless WAV encode/decode between candidate audio
// files and the float sample buffers the scorer and assembly engine operate
// on.
package wav

import (
	"errors"
	"fmt"
	"math"
)

// WAV format constants.
const (
	// HeaderSize is the size of a standard WAV file header in bytes.
	HeaderSize = 44

	// FormatPCM is the audio format code for uncompressed PCM.
	FormatPCM = 1

	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
	maxSample      = 32767
	minSample      = -32768
)

// Static errors.
var (
	ErrTooShort          = errors.New("wav data shorter than header")
	ErrNotRIFF           = errors.New("missing RIFF/WAVE signature")
	ErrUnsupportedFormat = errors.New("unsupported wav encoding")
	ErrNoDataChunk       = errors.New("missing data chunk")
	ErrNoSamples         = errors.New("wav contains no samples")
)

// Encode wraps mono float64 samples in [-1, 1] as a 16-bit PCM WAV file.
// Samples outside the valid range are clamped.
func Encode(samples []float64, sampleRate int) []byte {
	pcm := make([]byte, len(samples)*bytesPerSample)

	for i, sample := range samples {
		scaled := int(math.Round(sample * maxSample))
		if scaled > maxSample {
			scaled = maxSample
		}

		if scaled < minSample {
			scaled = minSample
		}

		putLE16(pcm[i*bytesPerSample:], uint16(int16(scaled)))
	}

	return WrapRawPCM(pcm, sampleRate, 1, bitsPerSample)
}

// Decode parses a 16-bit PCM WAV file into mono float64 samples in [-1, 1].
// Multi-channel audio is mixed down by averaging channels.
func Decode(data []byte) ([]float64, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, ErrTooShort
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotRIFF
	}

	format, channels, sampleRate, bits, pcm, err := scanChunks(data[12:])
	if err != nil {
		return nil, 0, err
	}

	if format != FormatPCM || bits != bitsPerSample {
		return nil, 0, fmt.Errorf("%w: format %d, %d-bit", ErrUnsupportedFormat, format, bits)
	}

	// A header can declare anything; guard before it reaches arithmetic.
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, fmt.Errorf("%w: %d channels at %d Hz",
			ErrUnsupportedFormat, channels, sampleRate)
	}

	frameSize := channels * bytesPerSample

	frames := len(pcm) / frameSize
	if frames == 0 {
		return nil, 0, ErrNoSamples
	}

	samples := make([]float64, frames)

	for frame := range frames {
		sum := 0.0

		for ch := range channels {
			offset := frame*frameSize + ch*bytesPerSample
			value := int16(getLE16(pcm[offset:]))
			sum += float64(value) / maxSample
		}

		samples[frame] = sum / float64(channels)
	}

	return samples, sampleRate, nil
}

// Duration returns the playing time of a sample buffer in seconds.
func Duration(samples []float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}

	return float64(len(samples)) / float64(sampleRate)
}

// WrapRawPCM adds a WAV header to raw PCM data.
func WrapRawPCM(pcm []byte, sampleRate, channels, bits int) []byte {
	dataSize := len(pcm)
	byteRate := sampleRate * channels * bits / 8
	blockAlign := channels * bits / 8

	header := make([]byte, HeaderSize)

	// RIFF header
	copy(header[0:4], "RIFF")
	putLE32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")

	// fmt subchunk
	copy(header[12:16], "fmt ")
	putLE32(header[16:20], 16) // subchunk size
	putLE16(header[20:22], FormatPCM)
	putLE16(header[22:24], uint16(channels))
	putLE32(header[24:28], uint32(sampleRate))
	putLE32(header[28:32], uint32(byteRate))
	putLE16(header[32:34], uint16(blockAlign))
	putLE16(header[34:36], uint16(bits))

	// data subchunk
	copy(header[36:40], "data")
	putLE32(header[40:44], uint32(dataSize))

	return append(header, pcm...)
}

// scanChunks walks the RIFF chunk list and returns the fmt fields and the
// raw PCM payload of the data chunk.
func scanChunks(body []byte) (format, channels, sampleRate, bits int, pcm []byte, err error) {
	var haveFmt, haveData bool

	offset := 0
	for offset+8 <= len(body) {
		chunkID := string(body[offset : offset+4])
		chunkSize := int(getLE32(body[offset+4:]))
		chunkStart := offset + 8

		if chunkStart+chunkSize > len(body) {
			chunkSize = len(body) - chunkStart
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return 0, 0, 0, 0, nil, ErrUnsupportedFormat
			}

			format = int(getLE16(body[chunkStart:]))
			channels = int(getLE16(body[chunkStart+2:]))
			sampleRate = int(getLE32(body[chunkStart+4:]))
			bits = int(getLE16(body[chunkStart+14:]))
			haveFmt = true
		case "data":
			pcm = body[chunkStart : chunkStart+chunkSize]
			haveData = true
		}

		// Chunks are word-aligned.
		if chunkSize%2 == 1 {
			chunkSize++
		}

		offset = chunkStart + chunkSize
	}

	if !haveFmt || !haveData {
		return 0, 0, 0, 0, nil, ErrNoDataChunk
	}

	return format, channels, sampleRate, bits, pcm, nil
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
