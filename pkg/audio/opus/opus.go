// Package opus decodes inbound Opus packets to PCM16 with libopus via gopus.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// maxFrameMs is the longest frame duration an Opus packet can carry.
const maxFrameMs = 120

var _ audio.Decoder = (*Decoder)(nil)

// Decoder decodes one Opus stream. Each stream needs its own decoder because
// Opus carries state across consecutive packets.
type Decoder struct {
	dec       *gopus.Decoder
	format    audio.Format
	frameSize int
}

// NewDecoder creates a decoder producing PCM in format. Opus supports 8, 12,
// 16, 24 and 48 kHz with one or two channels.
func NewDecoder(format audio.Format) (*Decoder, error) {
	switch format.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("opus: unsupported sample rate %d", format.SampleRate)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", format.Channels)
	}
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		format:    format,
		frameSize: format.SampleRate * maxFrameMs / 1000,
	}, nil
}

// Format returns the PCM format produced by Decode.
func (d *Decoder) Format() audio.Format { return d.format }

// Decode decodes one Opus packet to interleaved PCM16 bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Bytes(pcm), nil
}
