package whisper

import "encoding/binary"

// pcmScale normalises 16-bit samples into [-1.0, 1.0).
const pcmScale = 1.0 / 32768.0

// sampleAt reads the int16 little-endian sample starting at byte offset i*2.
func sampleAt(pcm []byte, i int) float32 {
	return float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * pcmScale
}

// pcmToFloat32 converts signed 16-bit little-endian PCM to normalised
// float32 samples, the input format whisper.cpp expects. A trailing odd
// byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = sampleAt(pcm, i)
	}
	return samples
}

// pcmToFloat32Mono converts interleaved multi-channel PCM to mono by
// averaging the channels of each frame. channels <= 1 passes through
// unchanged.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return pcmToFloat32(pcm)
	}
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for f := range frames {
		var sum float32
		for ch := range channels {
			sum += sampleAt(pcm, f*channels+ch)
		}
		mono[f] = sum / float32(channels)
	}
	return mono
}
