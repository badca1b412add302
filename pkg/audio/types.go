package audio

import (
	"slices"
	"time"
)

// FrameDuration is the length of one audio frame. Both the codec and the
// voice transport operate on exactly this granularity.
const FrameDuration = 20 * time.Millisecond

// frameDurationMs is FrameDuration in whole milliseconds.
const frameDurationMs = int(FrameDuration / time.Millisecond)

// Channels is the fixed channel count of the audio path (interleaved stereo).
const Channels = 2

// validSampleRates lists the sample rates Opus can encode and decode.
var validSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// FrameSize returns the number of samples per channel in one frame at
// sampleRate (e.g., 960 at 48 kHz).
func FrameSize(sampleRate int) int {
	return sampleRate * frameDurationMs / 1000
}

// PCMLength returns the number of interleaved int16 samples in one frame at
// sampleRate with the given channel count (e.g., 1920 at 48 kHz stereo).
func PCMLength(sampleRate, channels int) int {
	return FrameSize(sampleRate) * channels
}

// ValidSampleRate reports whether rate is usable by the codec.
func ValidSampleRate(rate int) bool {
	return slices.Contains(validSampleRates, rate)
}

// ValidSampleRates returns a copy of the supported sample rates.
func ValidSampleRates() []int {
	return slices.Clone(validSampleRates)
}
