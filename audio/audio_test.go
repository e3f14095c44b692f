package audio

import (
	"sync"
	"testing"
	"time"

	"subtitle/encoder"
)

func TestIsOutputMonitor(t *testing.T) {
	for _, tt := range []struct {
		dev  DeviceInfo
		want bool
	}{
		{DeviceInfo{ID: "alsa_output.pci.analog-stereo.monitor", Name: "Monitor of Built-in Audio", Monitor: true}, true},
		{DeviceInfo{ID: "x", Name: "BlackHole 2ch"}, true},
		{DeviceInfo{ID: "x", Name: "Stereo Mix (Realtek)"}, true},
		{DeviceInfo{ID: "alsa_input.usb-mic", Name: "USB Microphone"}, false},
	} {
		t.Run(tt.dev.Name, func(t *testing.T) {
			if got := IsOutputMonitor(tt.dev); got != tt.want {
				t.Errorf("IsOutputMonitor(%q) = %v, want %v", tt.dev.Name, got, tt.want)
			}
		})
	}
}

func TestSortMonitorsFirst(t *testing.T) {
	in := []DeviceInfo{
		{ID: "mic", Name: "Microphone"},
		{ID: "sink.monitor", Name: "Speakers", Monitor: true},
		{ID: "mic2", Name: "Headset"},
	}
	got := SortMonitorsFirst(in)
	if got[0].ID != "sink.monitor" || got[1].ID != "mic" || got[2].ID != "mic2" {
		t.Errorf("unexpected order: %+v", got)
	}
	if in[0].ID != "mic" {
		t.Error("input slice was modified")
	}
}

func TestClockTimestamps(t *testing.T) {
	c := clock{rate: encoder.SampleRate}
	f1 := c.stamp(nil, encoder.SampleRate/2)
	f2 := c.stamp(nil, encoder.SampleRate/2)
	if f1.Timestamp != 0 {
		t.Errorf("first timestamp = %v, want 0", f1.Timestamp)
	}
	if f2.Timestamp != 500*time.Millisecond {
		t.Errorf("second timestamp = %v, want 500ms", f2.Timestamp)
	}
	if f2.End() != time.Second {
		t.Errorf("End() = %v, want 1s", f2.End())
	}
	c.reset()
	if f := c.stamp(nil, 1); f.Timestamp != 0 {
		t.Errorf("timestamp after reset = %v, want 0", f.Timestamp)
	}
}

func TestFakeCaptureReplaysPCM(t *testing.T) {
	pcm := make([]byte, fakeFrameSize*encoder.BytesPerFrame*3)
	ctx := NewFakeContextPCM(pcm, false)
	dev, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got int
	var last time.Duration
	dev.SetCallback(func(f Frame) {
		mu.Lock()
		got += len(f.PCM)
		last = f.Timestamp
		mu.Unlock()
	})
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	<-dev.(*FakeCapture).AudioDone()
	dev.Stop()

	mu.Lock()
	defer mu.Unlock()
	if got < len(pcm) {
		t.Errorf("received %d bytes, want at least %d", got, len(pcm))
	}
	if last <= 0 {
		t.Error("expected advancing timestamps")
	}
}

func TestFakeCaptureFail(t *testing.T) {
	dev, _ := NewFakeContextPCM(nil, false).NewCapture(nil, DefaultCaptureConfig())
	dev.(*FakeCapture).Fail(errTest)
	select {
	case err := <-dev.Errors():
		if err != errTest {
			t.Errorf("got %v, want %v", err, errTest)
		}
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
	}
	dev.Stop() // not started: must not block
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
