// Package audio normalises inbound call audio to the format a speech-to-text
// stream expects.
//
// Clients send audio frames either as raw 16-bit little-endian PCM or as Opus
// packets, at whatever rate and channel count their capture pipeline uses.
// A [Pipeline] decodes each payload with a [Decoder] and converts the result
// to the target [Format] (typically 16 kHz mono).
package audio

import (
	"errors"
	"fmt"
)

// ErrOddLength is returned when a PCM16 payload does not contain a whole
// number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 payload")

// Codec names the encoding of inbound audio payloads.
type Codec string

const (
	// CodecPCM16 is raw 16-bit little-endian interleaved PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is one Opus packet per payload.
	CodecOpus Codec = "opus"
)

// ParseCodec validates a codec name from configuration. The empty string
// selects PCM16.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecPCM16:
		return CodecPCM16, nil
	case CodecOpus:
		return CodecOpus, nil
	default:
		return "", fmt.Errorf("audio: unknown codec %q (want %q or %q)", s, CodecPCM16, CodecOpus)
	}
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether both fields are positive.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Decoder turns one inbound payload into PCM16 bytes in the decoder's own
// format. Decoders may be stateful and are not safe for concurrent use.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
}

// PCM16 is the pass-through [Decoder] for raw PCM payloads.
type PCM16 struct{}

// Decode returns payload unchanged after checking its length.
func (PCM16) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(payload))
	}
	return payload, nil
}

// Pipeline decodes payloads and converts them to a target format. Create one
// per stream; it is not safe for concurrent use.
type Pipeline struct {
	dec  Decoder
	conv *Converter
}

// NewPipeline returns a pipeline whose decoder produces PCM in format from.
func NewPipeline(dec Decoder, from, to Format) (*Pipeline, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("audio: source format: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("audio: target format: %w", err)
	}
	return &Pipeline{dec: dec, conv: NewConverter(from, to)}, nil
}

// Process decodes payload and returns PCM16 in the target format. An empty
// result is not an error; callers skip it.
func (p *Pipeline) Process(payload []byte) ([]byte, error) {
	pcm, err := p.dec.Decode(payload)
	if err != nil {
		return nil, err
	}
	return p.conv.Convert(pcm), nil
}
