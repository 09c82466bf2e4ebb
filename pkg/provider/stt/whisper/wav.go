package whisper

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// format is the PCM16 layout of a session's audio.
type format struct {
	sampleRate int
	channels   int
}

func (f format) bytesPerSecond() int { return f.sampleRate * f.channels * 2 }

// duration returns how long n bytes of audio play for.
func (f format) duration(n int) time.Duration {
	bps := f.bytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// bytesFor returns the byte length of d worth of audio, rounded down to a
// whole frame.
func (f format) bytesFor(d time.Duration) int {
	n := int(d * time.Duration(f.bytesPerSecond()) / time.Second)
	frame := f.channels * 2
	if frame <= 0 {
		return 0
	}
	return n - n%frame
}

// rms returns the root-mean-square energy of a PCM16 buffer in sample units.
func rms(pcm []byte) float64 {
	samples := audio.Samples(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// encodeWAV wraps PCM16 audio in a canonical 44-byte RIFF/WAVE header.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerSize = 44
	blockAlign := channels * 2
	buf := make([]byte, 0, headerSize+len(pcm))

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16) // PCM fmt chunk size
	buf = binary.LittleEndian.AppendUint16(buf, 1)  // linear PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}
