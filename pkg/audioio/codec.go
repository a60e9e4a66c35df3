package audioio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeBase64 decodes standard padded base64 text into raw bytes.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &EncodingError{Op: "decode base64", Err: err}
	}
	return b, nil
}

// EncodeBase64 encodes raw bytes as standard padded base64 text.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// PCM16ToFloat converts interleaved little-endian signed 16-bit PCM into
// planar float samples in [-1, 1). The result holds one slice per channel.
func PCM16ToFloat(data []byte, channels, sampleRate int) ([][]float32, error) {
	if channels <= 0 {
		return nil, &EncodingError{Op: "pcm16 to float", Err: fmt.Errorf("invalid channel count %d", channels)}
	}
	if sampleRate <= 0 {
		return nil, &EncodingError{Op: "pcm16 to float", Err: fmt.Errorf("invalid sample rate %d", sampleRate)}
	}
	if len(data)%(2*channels) != 0 {
		return nil, &EncodingError{Op: "pcm16 to float", Err: fmt.Errorf("%d bytes is not a whole number of %d-channel frames", len(data), channels)}
	}

	frames := len(data) / (2 * channels)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			s := int16(binary.LittleEndian.Uint16(data[off:]))
			out[ch][i] = float32(s) / 32768
		}
	}
	return out, nil
}

// FloatToPCM16 converts float samples to little-endian signed 16-bit PCM.
// Values outside [-1, 1] are clamped, never wrapped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(f)))
	}
	return out
}

func floatToInt16(f float32) int16 {
	v := math.Trunc(float64(f) * 32768)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Interleave merges planar channel slices into a single interleaved slice.
func Interleave(planar [][]float32) []float32 {
	if len(planar) == 0 {
		return nil
	}
	if len(planar) == 1 {
		return planar[0]
	}
	frames := len(planar[0])
	out := make([]float32, frames*len(planar))
	for i := 0; i < frames; i++ {
		for ch := range planar {
			out[i*len(planar)+ch] = planar[ch][i]
		}
	}
	return out
}
