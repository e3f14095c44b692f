package caption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"subtitle/log"
	"subtitle/transcriber"
)

type LineKind int

const (
	LineOriginal LineKind = iota
	LineTranslation
	LineInfo
	LineWarning
	LineError
)

const TranslationPrefix = "译: "

// Line is one entry of the visible transcript log.
type Line struct {
	Kind LineKind
	Text string
	At   time.Time
}

func (l Line) String() string {
	switch l.Kind {
	case LineTranslation:
		return TranslationPrefix + l.Text
	case LineInfo:
		return "[info] " + l.Text
	case LineWarning:
		return "[warn] " + l.Text
	case LineError:
		return "[error] " + l.Text
	}
	return l.Text
}

// Snapshot is an immutable view of everything the presentation layers draw.
type Snapshot struct {
	Original   string
	Translated string
	Running    bool
	Log        []Line
	// Base is how many lines were trimmed ahead of Log[0]; Log[i] is line
	// Base+i of the transcript.
	Base int
	Seq  uint64
}

// Next is the index the next appended line will get.
func (s Snapshot) Next() int { return s.Base + len(s.Log) }

// State is the dedup memory of the live utterance.
type State struct {
	LastDisplayed        string
	LastTranslatedSource string
	LastPrinted          string
}

type Translator interface {
	Translate(ctx context.Context, text string) string
}

type message interface{ isMessage() }

type resultMsg struct{ r transcriber.Result }
type errorMsg struct{ err error }
type translatedMsg struct {
	source, text string
	final        bool
	seq          uint64 // order of the final among finals
}
type runningMsg struct{ running bool }
type lineMsg struct{ line Line }
type stateReq struct{ reply chan State }

func (resultMsg) isMessage()     {}
func (errorMsg) isMessage()      {}
func (translatedMsg) isMessage() {}
func (runningMsg) isMessage()    {}
func (lineMsg) isMessage()       {}
func (stateReq) isMessage()      {}

type Option func(*Engine)

// WithSink registers a callback for every line appended to the log. It
// runs on the engine goroutine and must not block.
func WithSink(fn func(Line)) Option {
	return func(e *Engine) { e.sink = fn }
}

// WithMaxLog bounds the number of log lines kept in snapshots.
func WithMaxLog(n int) Option {
	return func(e *Engine) { e.maxLog = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGrace bounds how long Run waits, after its context ends, for the
// translations of already committed lines.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// Engine owns the live caption. Producers post messages from any
// goroutine; Run applies them one at a time, so no state is shared.
type Engine struct {
	tr     Translator
	sink   func(Line)
	maxLog int
	now    func() time.Time
	grace  time.Duration

	inbox   chan message
	done    chan struct{}
	started atomic.Bool
	latest  atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	closed bool

	// owned by Run
	ctx      context.Context // translation requests; outlives Run's ctx
	cancelTr context.CancelFunc
	state    State
	snap     Snapshot
	inflight sync.WaitGroup

	// final translations are logged in the order of their originals
	finals   uint64
	released uint64
	ready    map[uint64]string
}

func NewEngine(tr Translator, opts ...Option) *Engine {
	e := &Engine{
		tr:     tr,
		maxLog: 500,
		now:    time.Now,
		grace:  2 * time.Second,
		ready:  make(map[uint64]string),
		inbox:  make(chan message, 256),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(e)
	}
	e.latest.Store(&Snapshot{})
	return e
}

var ErrEngineStopped = errors.New("caption engine stopped")

// Run processes messages until ctx is done, then applies what is still
// queued and waits up to the grace period for pending final translations.
// It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("caption engine already running")
	}
	e.ctx, e.cancelTr = context.WithCancel(context.WithoutCancel(ctx))
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case m := <-e.inbox:
			e.handle(m)
		}
	}
}

func (e *Engine) pendingFinals() uint64 { return e.finals - e.released }

func (e *Engine) drain() {
	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	for {
		select {
		case m := <-e.inbox:
			e.handle(m)
			continue
		default:
		}
		if e.pendingFinals() == 0 {
			return
		}
		select {
		case m := <-e.inbox:
			e.handle(m)
		case <-timer.C:
			log.Warnf("caption engine stopped with %d final translations pending", e.pendingFinals())
			e.flushFinals()
			return
		}
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	if e.cancelTr != nil {
		e.cancelTr()
	}
	e.inflight.Wait()
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

func (e *Engine) post(m message) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}
	select {
	case e.inbox <- m:
		return nil
	case <-e.done:
		return ErrEngineStopped
	}
}

// HandleResult feeds one recognizer hypothesis.
func (e *Engine) HandleResult(r transcriber.Result) error { return e.post(resultMsg{r}) }

// HandleError records a recognizer error. Segmentation state is untouched.
func (e *Engine) HandleError(err error) error { return e.post(errorMsg{err}) }

func (e *Engine) SetRunning(running bool) error { return e.post(runningMsg{running}) }

func (e *Engine) Info(format string, args ...any) {
	e.post(lineMsg{Line{Kind: LineInfo, Text: fmt.Sprintf(format, args...)}})
}

func (e *Engine) Warn(format string, args ...any) {
	e.post(lineMsg{Line{Kind: LineWarning, Text: fmt.Sprintf(format, args...)}})
}

func (e *Engine) Error(format string, args ...any) {
	e.post(lineMsg{Line{Kind: LineError, Text: fmt.Sprintf(format, args...)}})
}

// State returns the dedup memory as of the messages processed so far.
func (e *Engine) State() (State, error) {
	reply := make(chan State, 1)
	if err := e.post(stateReq{reply}); err != nil {
		return State{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		return State{}, ErrEngineStopped
	}
}

// Snapshot returns the most recently published snapshot.
func (e *Engine) Snapshot() Snapshot { return *e.latest.Load() }

// Subscribe returns a channel carrying every published snapshot, starting
// with the current one. A slow reader only sees the newest value.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	e.subMu.Lock()
	if e.closed {
		e.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	ch <- *e.latest.Load()
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

func (e *Engine) handle(m message) {
	switch m := m.(type) {
	case resultMsg:
		e.onResult(m.r)
	case errorMsg:
		e.appendLine(Line{Kind: LineError, Text: "recognition: " + errorText(m.err)})
	case translatedMsg:
		e.onTranslated(m)
	case runningMsg:
		if e.snap.Running == m.running {
			return
		}
		e.snap.Running = m.running
		e.publish()
	case lineMsg:
		e.appendLine(m.line)
	case stateReq:
		m.reply <- e.state
	}
}

func errorText(err error) string {
	var recErr *transcriber.Error
	if errors.As(err, &recErr) {
		return recErr.Err.Error()
	}
	return err.Error()
}

func (e *Engine) onResult(r transcriber.Result) {
	sentence := ExtractTrailingSentence(r)
	if sentence != "" && sentence != e.state.LastDisplayed {
		e.state.LastDisplayed = sentence
		e.state.LastPrinted = sentence
		e.snap.Original = sentence
		e.publish()
		if sentence != e.state.LastTranslatedSource {
			e.state.LastTranslatedSource = sentence
			e.translate(sentence, false)
		}
	}

	if !r.IsFinal {
		return
	}
	final := e.state.LastDisplayed
	if final == "" {
		final = ExtractTrailingSentence(r)
	}
	if final != "" {
		e.appendLine(Line{Kind: LineOriginal, Text: final})
		e.translate(final, true)
	}
	// LastTranslatedSource survives on purpose: a new utterance whose first
	// tail equals the previous final sentence is not translated again.
	e.state.LastDisplayed = ""
	e.state.LastPrinted = ""
}

func (e *Engine) translate(text string, final bool) {
	if e.tr == nil {
		return
	}
	m := translatedMsg{source: text, final: final}
	if final {
		m.seq = e.finals
		e.finals++
	}
	ctx := e.ctx
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		m.text = e.tr.Translate(ctx, text)
		if err := e.post(m); err != nil && final {
			log.Warnf("translation of %q dropped: %v", text, err)
		}
	}()
}

func (e *Engine) onTranslated(m translatedMsg) {
	if m.final {
		e.ready[m.seq] = m.text
		for {
			text, ok := e.ready[e.released]
			if !ok {
				break
			}
			delete(e.ready, e.released)
			e.released++
			if text != "" {
				e.appendLine(Line{Kind: LineTranslation, Text: text})
			}
		}
		return
	}
	// a translation only belongs to the sentence it was requested for
	if m.source != e.snap.Original || m.text == e.snap.Translated {
		return
	}
	e.snap.Translated = m.text
	e.publish()
}

// flushFinals logs the translations that arrived but are queued behind
// one that never did.
func (e *Engine) flushFinals() {
	for seq := e.released; seq < e.finals; seq++ {
		if text, ok := e.ready[seq]; ok && text != "" {
			e.appendLine(Line{Kind: LineTranslation, Text: text})
		}
		delete(e.ready, seq)
	}
	e.released = e.finals
}

func (e *Engine) appendLine(l Line) {
	if l.At.IsZero() {
		l.At = e.now()
	}
	lines := e.snap.Log
	if e.maxLog > 0 && len(lines) >= e.maxLog {
		drop := len(lines) - e.maxLog + 1
		trimmed := make([]Line, 0, e.maxLog)
		lines = append(trimmed, lines[drop:]...)
		e.snap.Base += drop
	}
	e.snap.Log = append(lines, l)
	if e.sink != nil {
		e.sink(l)
	}
	e.publish()
}

func (e *Engine) publish() {
	e.snap.Seq++
	s := e.snap
	s.Log = s.Log[:len(s.Log):len(s.Log)]
	e.latest.Store(&s)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
