package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Converter resamples and remixes PCM16 from one format to another.
type Converter struct {
	from, to Format
	warnOnce sync.Once
}

// NewConverter returns a converter from one format to another.
func NewConverter(from, to Format) *Converter {
	return &Converter{from: from, to: to}
}

// Convert returns pcm in the target format. Matching formats return pcm
// unchanged. A trailing partial frame is dropped.
func (c *Converter) Convert(pcm []byte) []byte {
	if c.from == c.to || c.from.Channels <= 0 || c.to.Channels <= 0 {
		return pcm
	}
	c.warnOnce.Do(func() {
		slog.Debug("audio: converting stream", "from", c.from.String(), "to", c.to.String())
	})

	samples := Samples(pcm)
	if n := len(samples) % c.from.Channels; n != 0 {
		samples = samples[:len(samples)-n]
	}

	// Downmix before resampling so fewer channels are interpolated; upmix
	// after for the same reason.
	channels := c.from.Channels
	if c.to.Channels < channels {
		samples = Remix(samples, channels, c.to.Channels)
		channels = c.to.Channels
	}
	samples = Resample(samples, channels, c.from.SampleRate, c.to.SampleRate)
	if c.to.Channels > channels {
		samples = Remix(samples, channels, c.to.Channels)
	}
	return Bytes(samples)
}

// Samples decodes little-endian PCM16 bytes. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Remix changes the channel count of interleaved samples. Mixing down to
// mono averages every channel; mixing up from mono duplicates the sample;
// any other change copies the shared leading channels and silences the rest.
func Remix(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := range frames {
		in := samples[f*from : (f+1)*from]
		dst := out[f*to : (f+1)*to]
		switch {
		case to == 1:
			var sum int32
			for _, s := range in {
				sum += int32(s)
			}
			dst[0] = clamp16(sum / int32(from))
		case from == 1:
			for c := range dst {
				dst[c] = in[0]
			}
		default:
			copy(dst, in)
		}
	}
	return out
}

// Resample converts interleaved samples between rates with linear
// interpolation per channel. Non-positive rates return the input unchanged.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(samples[idx*channels+c])
			s1 := float64(samples[next*channels+c])
			out[i*channels+c] = clamp16(int32(math.Round(s0 + (s1-s0)*frac)))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
