//go:build !linux

package audio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

// loopbackSupported is true where miniaudio can tap a playback device
// directly (WASAPI). Elsewhere a virtual loopback input such as BlackHole
// has to be selected.
func loopbackSupported() bool { return runtime.GOOS == "windows" }

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	kind := malgo.Capture
	if loopbackSupported() {
		kind = malgo.Playback
	}
	devices, err := m.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:      hex.EncodeToString(d.ID.Pointer()[:]),
			Name:    d.Name(),
			Monitor: kind == malgo.Playback,
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	kind := malgo.Capture
	if loopbackSupported() {
		kind = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{
		name:  "system output",
		clock: clock{rate: config.SampleRate},
		errs:  make(chan error, 1),
	}
	if device != nil {
		c.name = device.Name
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			cb := c.callback.Load()
			if cb == nil || len(data) == 0 {
				return
			}
			pcm := make([]byte, len(data))
			copy(pcm, data)
			(*cb)(c.clock.stamp(pcm, frameCount))
		},
		Stop: func() {
			if !c.stopping.Load() {
				reportErr(c.errs, errors.New("capture device stopped unexpectedly"))
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device   *malgo.Device
	name     string
	callback atomic.Pointer[DataCallback]
	stopping atomic.Bool
	clock    clock
	errs     chan error
	closeMu  sync.Once
}

func (c *malgoCapture) Start() error {
	c.stopping.Store(false)
	c.clock.reset()
	return c.device.Start()
}

func (c *malgoCapture) Stop() {
	c.stopping.Store(true)
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.closeMu.Do(func() {
		c.stopping.Store(true)
		c.device.Uninit()
	})
}

func (c *malgoCapture) SetCallback(cb DataCallback) { c.callback.Store(&cb) }

func (c *malgoCapture) ClearCallback() { c.callback.Store(nil) }

func (c *malgoCapture) Errors() <-chan error { return c.errs }

func (c *malgoCapture) DeviceName() string { return c.name }
