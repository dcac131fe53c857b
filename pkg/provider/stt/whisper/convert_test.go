package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

// encodePCM packs int16 samples as little-endian bytes.
func encodePCM(samples ...int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func closeTo(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestPCMToFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		want []float32
	}{
		{"empty", nil, nil},
		{"zero", []int16{0}, []float32{0}},
		{"full scale positive", []int16{32767}, []float32{32767.0 / 32768.0}},
		{"full scale negative", []int16{-32768}, []float32{-1.0}},
		{
			"mixed",
			[]int16{0, 16384, -16384, 100, -100},
			[]float32{0, 0.5, -0.5, 100.0 / 32768.0, -100.0 / 32768.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := pcmToFloat32(encodePCM(tt.in...))
			if len(got) != len(tt.want) {
				t.Fatalf("sample count = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !closeTo(got[i], tt.want[i]) {
					t.Errorf("sample[%d] = %f, want %f", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPCMToFloat32TrailingByte(t *testing.T) {
	t.Parallel()

	// 3 bytes hold one complete sample; the odd trailing byte is dropped.
	got := pcmToFloat32([]byte{0x00, 0x40, 0xFF})
	if len(got) != 1 || !closeTo(got[0], 0.5) {
		t.Fatalf("got %v, want one sample of 0.5", got)
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	t.Parallel()

	t.Run("mono passthrough", func(t *testing.T) {
		t.Parallel()
		pcm := encodePCM(100, -200, 300)
		for _, channels := range []int{0, 1} {
			mono := pcmToFloat32Mono(pcm, channels)
			direct := pcmToFloat32(pcm)
			if len(mono) != len(direct) {
				t.Fatalf("channels=%d: length %d, want %d", channels, len(mono), len(direct))
			}
			for i := range mono {
				if mono[i] != direct[i] {
					t.Errorf("channels=%d sample[%d] = %f, want %f", channels, i, mono[i], direct[i])
				}
			}
		}
	})

	t.Run("stereo averages frames", func(t *testing.T) {
		t.Parallel()
		mono := pcmToFloat32Mono(encodePCM(1000, 3000, -2000, -4000), 2)
		want := []float32{2000.0 / 32768.0, -3000.0 / 32768.0}
		if len(mono) != len(want) {
			t.Fatalf("frame count = %d, want %d", len(mono), len(want))
		}
		for i := range want {
			if !closeTo(mono[i], want[i]) {
				t.Errorf("frame[%d] = %f, want %f", i, mono[i], want[i])
			}
		}
	})

	t.Run("three channels", func(t *testing.T) {
		t.Parallel()
		mono := pcmToFloat32Mono(encodePCM(3000, 6000, 9000), 3)
		if len(mono) != 1 || !closeTo(mono[0], 6000.0/32768.0) {
			t.Fatalf("got %v, want one frame of %f", mono, 6000.0/32768.0)
		}
	})
}
