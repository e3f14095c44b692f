package encoder

import (
	"encoding/binary"
	"time"
)

// Capture format shared by every audio path: 48 kHz mono signed 16-bit.
const (
	SampleRate    = 48000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
	BytesPerFrame = Channels * BitsPerSample / 8
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	EncodeTime() time.Duration
}

// Samples decodes little-endian PCM16. A trailing odd byte is dropped.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Duration returns the playback length of n bytes of capture-format PCM.
func Duration(n int) time.Duration {
	frames := n / BytesPerFrame
	return time.Duration(frames) * time.Second / SampleRate
}

// EncodeFLAC compresses a complete PCM buffer in BlockSize chunks.
func EncodeFLAC(pcm []byte) ([]byte, error) {
	enc, err := NewFlac()
	if err != nil {
		return nil, err
	}
	samples := Samples(pcm)
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}
