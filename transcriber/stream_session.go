package transcriber

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"subtitle/audio"
	"subtitle/encoder"
	"subtitle/log"
)

const (
	streamChunkMs     = 100
	streamChunkBytes  = encoder.SampleRate * encoder.BytesPerFrame * streamChunkMs / 1000
	streamFinalizeMax = 2 * time.Second
)

type rawStreamSession interface {
	Send(pcm []byte) error
	// Finalize flushes pending audio server-side and closes the send half.
	Finalize() error
	Recv() (streamUpdate, error)
	Close() error
}

type streamUpdate struct {
	Words        []Word
	IsFinal      bool // Words will not be revised again
	SpeechFinal  bool // endpoint detected: the utterance is over
	FromFinalize bool
	UtteranceEnd bool
}

type streamSession struct {
	ws        rawStreamSession
	sep       string
	provider  string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	audioCh   chan []byte
	results   chan Result
	errs      chan error
	connected chan struct{} // closed when the connection is ready (or failed)
	sendDone  chan struct{}
	recvDone  chan struct{}

	feedBuf []byte
	feedMu  sync.Mutex

	mu         sync.Mutex
	audioShut  bool
	ending     bool
	closing    bool
	endOnce    sync.Once
	cancelOnce sync.Once
	errOnce    sync.Once
	stats      streamStats

	// receiver-owned utterance state
	committed []Word
	open      bool
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	Dropped      int
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	Utterances   int
}

func (s streamStats) audioDuration() float64 {
	return float64(s.SentBytes) / float64(encoder.SampleRate*encoder.BytesPerFrame)
}

func newStreamSession(ctx context.Context, provider, sep string, dial func(ctx context.Context) (rawStreamSession, error)) *streamSession {
	ctx, cancel := context.WithCancel(ctx)
	ss := &streamSession{
		sep:       sep,
		provider:  provider,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		audioCh:   make(chan []byte, 128),
		results:   make(chan Result, 32),
		errs:      make(chan error, 4),
		connected: make(chan struct{}),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
	}

	go func() {
		connectStart := time.Now()
		ws, err := dial(ctx)
		ss.mu.Lock()
		ss.stats.ConnectDur = time.Since(connectStart)
		ss.mu.Unlock()

		if err != nil {
			ss.setErr(fmt.Errorf("connect: %w", err))
			close(ss.connected)
			go func() { // unblock any Feed racing the failure
				for range ss.audioCh {
				}
			}()
			close(ss.sendDone)
			close(ss.recvDone)
			ss.finish()
			return
		}

		ss.ws = ws
		close(ss.connected)
		go ss.runSender()
		go ss.runReceiver()
		go func() {
			<-ss.sendDone
			<-ss.recvDone
			ss.finish()
		}()
	}()

	return ss
}

func (s *streamSession) Results() <-chan Result { return s.results }

func (s *streamSession) Errors() <-chan error { return s.errs }

func (s *streamSession) Feed(f audio.Frame) {
	if len(f.PCM) == 0 {
		return
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	s.mu.Lock()
	shut := s.audioShut
	s.mu.Unlock()
	if shut {
		return
	}

	s.feedBuf = append(s.feedBuf, f.PCM...)
	for len(s.feedBuf) >= streamChunkBytes {
		chunk := make([]byte, streamChunkBytes)
		copy(chunk, s.feedBuf[:streamChunkBytes])
		s.feedBuf = s.feedBuf[streamChunkBytes:]
		select {
		case s.audioCh <- chunk:
		default:
			s.mu.Lock()
			s.stats.Dropped++
			s.mu.Unlock()
		}
	}
}

// EndAudio flushes buffered PCM and tells the server no more audio follows.
// Results keep arriving until the server closes the stream.
func (s *streamSession) EndAudio() {
	s.endOnce.Do(func() {
		s.feedMu.Lock()
		s.mu.Lock()
		if s.audioShut {
			s.mu.Unlock()
			s.feedMu.Unlock()
			return
		}
		s.ending = true
		s.audioShut = true
		s.mu.Unlock()
		if len(s.feedBuf) > 0 {
			select {
			case s.audioCh <- s.feedBuf:
			default:
			}
			s.feedBuf = nil
		}
		close(s.audioCh)
		s.feedMu.Unlock()

		go func() {
			select {
			case <-s.recvDone:
			case <-time.After(streamFinalizeMax):
				log.Warn("stream finalize timeout")
				s.Cancel()
			}
		}()
	})
}

func (s *streamSession) Cancel() {
	s.cancelOnce.Do(func() {
		s.feedMu.Lock()
		s.mu.Lock()
		s.closing = true
		if !s.audioShut {
			s.audioShut = true
			close(s.audioCh)
		}
		s.mu.Unlock()
		s.feedBuf = nil
		s.feedMu.Unlock()

		s.cancel()
		<-s.connected
		if s.ws != nil {
			s.ws.Close()
		}
	})
}

func (s *streamSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.ws.Send(chunk); err != nil {
			s.setErr(err)
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	s.mu.Lock()
	ending := s.ending
	s.mu.Unlock()
	if ending {
		if err := s.ws.Finalize(); err != nil {
			s.setErr(err)
		}
	}
}

func (s *streamSession) runReceiver() {
	defer close(s.recvDone)
	for {
		update, err := s.ws.Recv()
		if err != nil {
			s.mu.Lock()
			quiet := s.closing || s.ending
			s.mu.Unlock()
			if !quiet {
				s.setErr(err)
			}
			return
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		if update.IsFinal || update.SpeechFinal {
			s.stats.RecvFinal++
		} else {
			s.stats.RecvInterim++
		}
		s.mu.Unlock()

		r, ok := s.apply(update)
		if !ok {
			continue
		}
		if r.IsFinal {
			s.mu.Lock()
			s.stats.Utterances++
			s.mu.Unlock()
		}
		select {
		case s.results <- r:
		case <-s.ctx.Done():
			return
		}
	}
}

// apply folds one server message into the current utterance hypothesis.
// Stable words accumulate; interim words are only ever appended to a copy,
// so every emitted Result carries the whole utterance so far.
func (s *streamSession) apply(u streamUpdate) (Result, bool) {
	if u.UtteranceEnd {
		if !s.open {
			return Result{}, false
		}
		r := NewResult(s.committed, s.sep, true)
		s.committed, s.open = nil, false
		return r, true
	}

	words := append(slices.Clone(s.committed), u.Words...)
	if u.IsFinal {
		s.committed = words
	}

	if u.SpeechFinal || u.FromFinalize {
		if len(words) == 0 && !s.open {
			return Result{}, false
		}
		s.committed, s.open = nil, false
		return NewResult(words, s.sep, true), true
	}

	if len(words) == 0 {
		return Result{}, false
	}
	s.open = true
	return NewResult(words, s.sep, false), true
}

func (s *streamSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		select {
		case s.errs <- &Error{Err: err, Fatal: true}:
		default:
		}
		if s.ws != nil {
			s.ws.Close()
		}
	})
}

func (s *streamSession) finish() {
	s.cancel()
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	log.StreamMetrics(log.StreamMetricsData{
		Provider:     s.provider,
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		TotalMs:      float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:       stats.audioDuration(),
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		Dropped:      stats.Dropped,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
		Utterances:   stats.Utterances,
	})
	close(s.results)
	close(s.errs)
}
