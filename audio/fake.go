package audio

import (
	"os"
	"sync"
	"time"

	"subtitle/encoder"
)

const fakeFrameSize = 1024

type FakeContext struct {
	pcm      []byte
	realtime bool
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime}, nil
}

// NewFakeContextPCM replays raw capture-format PCM.
func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake.monitor", Name: "fake", Monitor: true}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{
		pcm:       f.pcm,
		realtime:  f.realtime,
		audioDone: make(chan struct{}),
		errs:      make(chan error, 1),
	}, nil
}

// FakeCapture replays a PCM buffer followed by endless silence, the way a
// monitor source keeps delivering frames after playback ends.
type FakeCapture struct {
	pcm       []byte
	realtime  bool
	audioDone chan struct{}
	errs      chan error
	clock     clock

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	started  bool
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) Errors() <-chan error { return f.errs }

// Fail simulates the source dying mid-stream.
func (f *FakeCapture) Fail(err error) { reportErr(f.errs, err) }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(f.clock.stamp(chunk, uint32(len(chunk)/encoder.BytesPerFrame)))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	f.started = true
	f.mu.Unlock()
	f.clock.reset()

	chunkBytes := fakeFrameSize * encoder.BytesPerFrame
	interval := time.Duration(fakeFrameSize) * time.Second / encoder.SampleRate
	if !f.realtime {
		interval = time.Millisecond
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)
	}

	go func() {
		defer close(f.feedDone)
		pos := 0
		if !f.realtime {
			pos = len(f.pcm)
		}
		silence := make([]byte, chunkBytes)
		audioFinished := !f.realtime

		for {
			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}

			cb := f.callback()
			if cb == nil {
				continue
			}
			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
				continue
			}
			if !audioFinished {
				audioFinished = true
				close(f.audioDone)
			}
			cb(f.clock.stamp(silence, fakeFrameSize))
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	close(stopCh)
	<-feedDone
	f.audioDone = make(chan struct{}) // reset for replay
}

func (f *FakeCapture) Close() { f.Stop() }
