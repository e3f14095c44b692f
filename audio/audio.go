package audio

import (
	"strings"
	"sync"
	"time"

	"subtitle/encoder"
)

const WAVHeaderSize = 44

// Frame is one buffer of captured output audio. Timestamp is the stream
// position of the first sample, measured from capture start.
type Frame struct {
	PCM       []byte
	Frames    uint32
	Timestamp time.Duration
}

func (f Frame) End() time.Duration {
	return f.Timestamp + time.Duration(f.Frames)*time.Second/encoder.SampleRate
}

type DataCallback func(f Frame)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels}
}

type DeviceInfo struct {
	ID      string // opaque platform-specific identifier
	Name    string
	Monitor bool // device mirrors a playback sink
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// Errors reports failures that end the capture after Start.
	Errors() <-chan error
	DeviceName() string
}

var virtualKeywords = []string{"monitor", "loopback", "blackhole", "soundflower", "stereo mix", "what u hear"}

// IsOutputMonitor reports whether a device name looks like a loopback of
// system output rather than a microphone.
func IsOutputMonitor(d DeviceInfo) bool {
	if d.Monitor {
		return true
	}
	lower := strings.ToLower(d.Name + " " + d.ID)
	for _, kw := range virtualKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// clock converts cumulative frame counts into stream timestamps.
type clock struct {
	mu     sync.Mutex
	frames uint64
	rate   uint32
}

func (c *clock) stamp(pcm []byte, frames uint32) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate := c.rate
	if rate == 0 {
		rate = encoder.SampleRate
	}
	ts := time.Duration(c.frames) * time.Second / time.Duration(rate)
	c.frames += uint64(frames)
	return Frame{PCM: pcm, Frames: frames, Timestamp: ts}
}

func (c *clock) reset() {
	c.mu.Lock()
	c.frames = 0
	c.mu.Unlock()
}

// reportErr delivers err without blocking; only the first failure matters.
func reportErr(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
