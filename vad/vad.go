package vad

import (
	"sync"
	"time"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
	"subtitle/encoder"
)

const (
	mode       = 2
	frameMs    = 20
	frameBytes = encoder.SampleRate * frameMs / 1000 * encoder.BytesPerFrame // 1920 bytes
	debounce   = 3                                                          // consecutive speech frames to confirm voice

	speechThreshold = 0.10 // share of frames in a tick that must be speech
)

// Processor classifies capture audio in 20ms frames. Silence is counted in
// audio time, not wall time, so replayed audio endpoints the same way live
// audio does.
type Processor struct {
	vad *webrtcvad.VAD

	mu            sync.Mutex
	buf           []byte
	voiceDetected bool
	speechRun     int
	silenceRun    int
	totalFrames   int
	speechFrames  int
	tickTotal     int
	tickSpeech    int
}

func New() (*Processor, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(mode); err != nil {
		return nil, err
	}
	return &Processor{vad: v}, nil
}

func (p *Processor) Process(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, data...)
	for len(p.buf) >= frameBytes {
		frame := p.buf[:frameBytes]
		p.buf = p.buf[frameBytes:]

		active, err := p.vad.Process(encoder.SampleRate, frame)
		if err != nil {
			continue
		}
		p.totalFrames++
		if active {
			p.speechFrames++
			p.speechRun++
			p.silenceRun = 0
			if p.speechRun >= debounce {
				p.voiceDetected = true
			}
		} else {
			p.speechRun = 0
			p.silenceRun++
		}
	}
}

// VoiceDetected reports whether speech was confirmed since the last Reset.
func (p *Processor) VoiceDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voiceDetected
}

// TrailingSilence is the audio time since the last speech frame.
func (p *Processor) TrailingSilence() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.silenceRun*frameMs) * time.Millisecond
}

func (p *Processor) Stats() (total, speech int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalFrames, p.speechFrames
}

// HasSpeechTick reports whether enough of the frames seen since the
// previous call were speech.
func (p *Processor) HasSpeechTick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.totalFrames - p.tickTotal
	s := p.speechFrames - p.tickSpeech
	p.tickTotal, p.tickSpeech = p.totalFrames, p.speechFrames
	if t == 0 {
		return false
	}
	return float64(s)/float64(t) >= speechThreshold
}

// Reset starts a new utterance.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voiceDetected = false
	p.speechRun = 0
	p.silenceRun = 0
}
