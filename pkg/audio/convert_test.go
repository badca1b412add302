package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestInt16sToBytes(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, math.MaxInt16, math.MinInt16}
	got := audio.Int16sToBytes(in)
	want := samplesToBytes(in)
	if string(got) != string(want) {
		t.Fatalf("Int16sToBytes = %v, want %v", got, want)
	}
}

func TestBytesToInt16s_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{100, -200, 300, math.MinInt16}
	got := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestBytesToInt16s_OddTrailingByte(t *testing.T) {
	t.Parallel()

	b := append(samplesToBytes([]int16{7, 8}), 0xFF)
	got := audio.BytesToInt16s(b)
	if len(got) != 2 {
		t.Fatalf("length = %d, want 2", len(got))
	}
}

func TestPutInt16s_BoundedByDestination(t *testing.T) {
	t.Parallel()

	dst := make([]byte, 4)
	n := audio.PutInt16s(dst, []int16{1, 2, 3})
	if n != 2 {
		t.Fatalf("PutInt16s wrote %d samples, want 2", n)
	}
	if got := binary.LittleEndian.Uint16(dst[2:]); got != 2 {
		t.Errorf("second sample = %d, want 2", got)
	}
}

func TestReadInt16s_BoundedBySource(t *testing.T) {
	t.Parallel()

	dst := []int16{9, 9, 9}
	n := audio.ReadInt16s(dst, samplesToBytes([]int16{5}))
	if n != 1 {
		t.Fatalf("ReadInt16s read %d samples, want 1", n)
	}
	if dst[0] != 5 || dst[1] != 9 {
		t.Errorf("dst = %v, want [5 9 9]", dst)
	}
}

func TestMixInto(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dst  []int16
		src  []int16
		want []int16
	}{
		{name: "plain add", dst: []int16{1, 2, 3}, src: []int16{10, 20, 30}, want: []int16{11, 22, 33}},
		{name: "clamp high", dst: []int16{math.MaxInt16}, src: []int16{100}, want: []int16{math.MaxInt16}},
		{name: "clamp low", dst: []int16{math.MinInt16}, src: []int16{-100}, want: []int16{math.MinInt16}},
		{name: "short source", dst: []int16{1, 1, 1}, src: []int16{1}, want: []int16{2, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			audio.MixInto(tt.dst, tt.src)
			for i := range tt.want {
				if tt.dst[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, tt.dst[i], tt.want[i])
				}
			}
		})
	}
}

func TestFrameSize(t *testing.T) {
	t.Parallel()

	for _, rate := range audio.ValidSampleRates() {
		if got, want := audio.FrameSize(rate), rate*20/1000; got != want {
			t.Errorf("FrameSize(%d) = %d, want %d", rate, got, want)
		}
	}
	if got := audio.PCMLength(48000, 2); got != 1920 {
		t.Errorf("PCMLength(48000, 2) = %d, want 1920", got)
	}
}

func TestValidSampleRate(t *testing.T) {
	t.Parallel()

	if !audio.ValidSampleRate(48000) {
		t.Error("48000 should be valid")
	}
	if audio.ValidSampleRate(44100) {
		t.Error("44100 should be invalid for opus")
	}
}
