//go:build linux

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const monitorSuffix = ".monitor"

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("subtitle"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		devices = append(devices, DeviceInfo{
			ID:      s.ID(),
			Name:    s.Name(),
			Monitor: strings.HasSuffix(s.ID(), monitorSuffix),
		})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	return &pulseCapture{
		client: p.client,
		device: device,
		config: config,
		clock:  clock{rate: config.SampleRate},
		errs:   make(chan error, 1),
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

// defaultMonitor resolves the monitor source of the default playback sink,
// which carries everything the system is currently playing.
func (p *pulseContext) defaultMonitor() (*pulse.Source, error) {
	sink, err := p.client.DefaultSink()
	if err != nil {
		return nil, fmt.Errorf("pulse default sink: %w", err)
	}
	return p.client.SourceByID(sink.ID() + monitorSuffix)
}

type pulseCapture struct {
	client   *pulse.Client
	device   *DeviceInfo
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]
	clock    clock
	errs     chan error

	stream *pulse.RecordStream
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		(*cb)(c.clock.stamp(data, uint32(len(buf))))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordMediaName("subtitle capture"),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			// monitors must not be attenuated by the sink volume
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	}

	source, err := c.resolveSource()
	if err != nil {
		return err
	}
	opts = append(opts, pulse.RecordSource(source))

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.clock.reset()
	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		stream.Start()
		watch := time.NewTicker(500 * time.Millisecond)
		defer watch.Stop()
		for {
			select {
			case <-c.stop:
				stream.Stop()
				stream.Close()
				return
			case <-watch.C:
				if stream.Running() {
					continue
				}
				err := stream.Error()
				if err == nil {
					err = errors.New("pulse record stream stopped")
				}
				reportErr(c.errs, err)
				stream.Close()
				<-c.stop
				return
			}
		}
	}()

	return nil
}

func (c *pulseCapture) resolveSource() (*pulse.Source, error) {
	if c.device != nil {
		source, err := c.client.SourceByID(c.device.ID)
		if err != nil {
			return nil, fmt.Errorf("pulse source %s: %w", c.device.ID, err)
		}
		return source, nil
	}
	pc := &pulseContext{client: c.client}
	source, err := pc.defaultMonitor()
	if err != nil {
		return nil, fmt.Errorf("no output monitor available: %w", err)
	}
	return source, nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *pulseCapture) Errors() <-chan error { return c.errs }

func (c *pulseCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "default output monitor"
}
