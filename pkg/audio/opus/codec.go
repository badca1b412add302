// Package opus transcodes fixed 20 ms PCM frames to and from Opus packets.
//
// A [Codec] owns exactly one encoder and one decoder. Each direction is
// guarded by its own mutex: encode and decode may run concurrently with each
// other, but never with themselves, because libopus state is mutated in place.
// Scratch buffers are owned by the Codec and reused across calls; every result
// handed back to a caller is a fresh, right-sized copy.
package opus

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"

	"github.com/MrWong99/pianobridge/pkg/audio"
)

const (
	// Complexity is the encoder complexity (libopus maximum).
	Complexity = 10

	// Bitrate is the encoder target bitrate in bits per second.
	Bitrate = 128000

	// encodeScratchFactor bounds an encoded frame relative to the PCM byte
	// length of the frame it came from.
	encodeScratchFactor = 4

	// decodeScratchFactor oversizes the decode buffer relative to one frame's
	// sample count to absorb payloads that expand beyond a single frame.
	decodeScratchFactor = 2
)

// Kind classifies a [CodecError].
type Kind int

const (
	// KindEncode is an encoder failure (parameter or state corruption).
	KindEncode Kind = iota

	// KindInvalidPacket is a decode failure caused by a malformed packet.
	KindInvalidPacket

	// KindDecode is any other decode failure.
	KindDecode
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEncode:
		return "encode"
	case KindInvalidPacket:
		return "invalid packet"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// CodecError is returned for a single failed frame. It is never retryable for
// that frame; callers drop the frame and continue with the next one.
type CodecError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("opus: %s failure: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying libopus error.
func (e *CodecError) Unwrap() error { return e.Err }

// Codec is one encoder/decoder pair for a session. It is created with a
// single sample rate and reused for the session's lifetime.
//
// Codec is safe for concurrent use.
type Codec struct {
	sampleRate int
	frameSize  int // samples per channel
	pcmLen     int // interleaved samples per frame

	encMu      sync.Mutex
	enc        *opus.Encoder
	encPCM     []int16 // padded input frame
	encScratch []byte

	decMu      sync.Mutex
	dec        *opus.Decoder
	decScratch []int16
}

// New creates a stereo Codec at sampleRate with maximum complexity and a
// 128 kbps target bitrate.
func New(sampleRate int) (*Codec, error) {
	if !audio.ValidSampleRate(sampleRate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d (valid: %v)", sampleRate, audio.ValidSampleRates())
	}

	enc, err := opus.NewEncoder(sampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if err := enc.SetComplexity(Complexity); err != nil {
		return nil, fmt.Errorf("opus: set complexity: %w", err)
	}
	if err := enc.SetBitrate(Bitrate); err != nil {
		return nil, fmt.Errorf("opus: set bitrate: %w", err)
	}

	dec, err := opus.NewDecoder(sampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}

	pcmLen := audio.PCMLength(sampleRate, audio.Channels)
	return &Codec{
		sampleRate: sampleRate,
		frameSize:  audio.FrameSize(sampleRate),
		pcmLen:     pcmLen,
		enc:        enc,
		encPCM:     make([]int16, pcmLen),
		encScratch: make([]byte, pcmLen*2*encodeScratchFactor),
		dec:        dec,
		decScratch: make([]int16, pcmLen*decodeScratchFactor),
	}, nil
}

// SampleRate returns the rate the codec was created with.
func (c *Codec) SampleRate() int { return c.sampleRate }

// Channels returns the fixed channel count.
func (c *Codec) Channels() int { return audio.Channels }

// FrameSize returns the samples per channel in one frame.
func (c *Codec) FrameSize() int { return c.frameSize }

// PCMLength returns the interleaved samples in one frame.
func (c *Codec) PCMLength() int { return c.pcmLen }

// MaxEncodedLength returns the upper bound on the size of an encoded frame.
func (c *Codec) MaxEncodedLength() int { return len(c.encScratch) }

// MaxDecodedLength returns the upper bound on the number of decoded samples.
func (c *Codec) MaxDecodedLength() int { return len(c.decScratch) }

// Encode compresses one PCM frame. Only the first [Codec.PCMLength] samples
// of pcm are consumed; a shorter input is padded with silence.
func (c *Codec) Encode(pcm []int16) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	n := copy(c.encPCM, pcm)
	clear(c.encPCM[n:])

	written, err := c.enc.Encode(c.encPCM, c.encScratch)
	if err != nil {
		return nil, &CodecError{Kind: KindEncode, Err: err}
	}

	out := make([]byte, written)
	copy(out, c.encScratch[:written])
	return out, nil
}

// Decode decompresses one Opus packet into interleaved PCM. The result holds
// exactly samplesPerChannel × channels samples.
func (c *Codec) Decode(data []byte) ([]int16, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	perChannel, err := c.dec.Decode(data, c.decScratch)
	if err != nil {
		kind := KindDecode
		if len(data) == 0 || errors.Is(err, opus.ErrInvalidPacket) {
			kind = KindInvalidPacket
		}
		return nil, &CodecError{Kind: kind, Err: err}
	}

	total := perChannel * audio.Channels
	out := make([]int16, total)
	copy(out, c.decScratch[:total])
	return out, nil
}
