package audio

import "math"

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	PutInt16s(b, pcm)
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	ReadInt16s(pcm, b)
	return pcm
}

// PutInt16s writes pcm into dst as little-endian bytes without allocating.
// It returns the number of samples written, bounded by both lengths.
func PutInt16s(dst []byte, pcm []int16) int {
	n := min(len(pcm), len(dst)/2)
	for i := range n {
		s := pcm[i]
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return n
}

// ReadInt16s decodes little-endian bytes from src into dst without
// allocating. It returns the number of samples read, bounded by both lengths.
func ReadInt16s(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}
	return n
}

// MixInto adds src into dst sample by sample, clamping to the int16 range.
// Only the overlapping prefix is mixed.
func MixInto(dst, src []int16) {
	n := min(len(dst), len(src))
	for i := range n {
		sum := int32(dst[i]) + int32(src[i])
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		dst[i] = int16(sum)
	}
}
