// Package aggregator coalesces near-simultaneous customer utterances of one
// session into a single logical turn.
package aggregator

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

const (
	DefaultWindow   = 15 * time.Second
	DefaultMaxBatch = 10

	shortFragmentWords = 2
	namePromptWords    = 3
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("aggregator closed")

// Config controls batching. A zero Window disables buffering.
type Config struct {
	Window   time.Duration
	MaxBatch int
}

// DefaultConfig returns the default batching settings.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow, MaxBatch: DefaultMaxBatch}
}

// Batch is the merged result of one aggregation window.
type Batch struct {
	SessionID  string
	Text       string
	Count      int
	Utterances []ledger.Utterance
}

// Result is returned by Add. Ready means Batch should be processed now.
type Result struct {
	Ready bool
	Batch Batch
}

// FlushFunc receives batches whose window elapsed.
type FlushFunc func(Batch)

type buffer struct {
	utterances      []ledger.Utterance
	timer           *time.Timer
	generation      uint64
	afterNamePrompt bool
}

// Aggregator buffers utterances per session. Each session has a single
// writer: callers serialize Add for the same session.
type Aggregator struct {
	cfg     Config
	onFlush FlushFunc
	logger  logging.Logger

	mu          sync.Mutex
	buffers     map[string]*buffer
	namePrompts map[string]bool
	generation  uint64
	closed      bool
}

// New creates an Aggregator. onFlush is called from a timer goroutine when a
// window elapses.
func New(cfg Config, onFlush FlushFunc, logger logging.Logger) *Aggregator {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Aggregator{
		cfg:         cfg,
		onFlush:     onFlush,
		logger:      logger.Bind("component", "aggregator"),
		buffers:     make(map[string]*buffer),
		namePrompts: make(map[string]bool),
	}
}

// Add buffers u for sessionID. The window is fixed from the first buffered
// utterance. The batch is returned ready when the window is disabled or the
// batch reaches MaxBatch; otherwise it is delivered to the flush callback
// when the window elapses.
func (a *Aggregator) Add(sessionID string, u ledger.Utterance) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Result{}, ErrClosed
	}

	if a.cfg.Window <= 0 {
		return Result{Ready: true, Batch: a.merge(sessionID, []ledger.Utterance{u}, a.namePrompts[sessionID])}, nil
	}

	buf, ok := a.buffers[sessionID]
	if !ok {
		a.generation++
		gen := a.generation
		buf = &buffer{generation: gen, afterNamePrompt: a.namePrompts[sessionID]}
		buf.timer = time.AfterFunc(a.cfg.Window, func() { a.fire(sessionID, gen) })
		a.buffers[sessionID] = buf
	}
	buf.utterances = append(buf.utterances, u)

	if len(buf.utterances) >= a.cfg.MaxBatch {
		buf.timer.Stop()
		delete(a.buffers, sessionID)
		a.logger.Debug("batch_full", "session_id", sessionID, "count", len(buf.utterances))
		return Result{Ready: true, Batch: a.merge(sessionID, buf.utterances, buf.afterNamePrompt)}, nil
	}
	return Result{}, nil
}

// fire flushes the buffer created with generation gen, if it is still pending.
func (a *Aggregator) fire(sessionID string, gen uint64) {
	a.mu.Lock()
	buf, ok := a.buffers[sessionID]
	if !ok || buf.generation != gen || a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, sessionID)
	batch := a.merge(sessionID, buf.utterances, buf.afterNamePrompt)
	onFlush := a.onFlush
	a.mu.Unlock()

	a.logger.Debug("window_elapsed", "session_id", sessionID, "count", batch.Count)
	if onFlush == nil {
		a.logger.Warn("batch_dropped", "session_id", sessionID, "reason", "no flush callback")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("flush_panic", "session_id", sessionID, "panic", r)
		}
	}()
	onFlush(batch)
}

// Flush force-flushes the pending batch of sessionID, stopping its timer.
func (a *Aggregator) Flush(sessionID string) (Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[sessionID]
	if !ok {
		return Batch{}, false
	}
	buf.timer.Stop()
	delete(a.buffers, sessionID)
	return a.merge(sessionID, buf.utterances, buf.afterNamePrompt), true
}

// Pending returns the number of buffered utterances of sessionID.
func (a *Aggregator) Pending(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[sessionID]; ok {
		return len(buf.utterances)
	}
	return 0
}

// NotePrompt records whether the last message sent to sessionID asked for a
// name. Replies in the next window are merged as one continuing answer.
func (a *Aggregator) NotePrompt(sessionID string, namePrompt bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if namePrompt {
		a.namePrompts[sessionID] = true
	} else {
		delete(a.namePrompts, sessionID)
	}
}

// Forget drops all state of sessionID without flushing.
func (a *Aggregator) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[sessionID]; ok {
		buf.timer.Stop()
		delete(a.buffers, sessionID)
	}
	delete(a.namePrompts, sessionID)
}

// Close stops all timers and returns the batches that were still pending.
// Add fails with ErrClosed afterwards.
func (a *Aggregator) Close() []Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	pending := make([]Batch, 0, len(a.buffers))
	for id, buf := range a.buffers {
		buf.timer.Stop()
		pending = append(pending, a.merge(id, buf.utterances, buf.afterNamePrompt))
		delete(a.buffers, id)
	}
	return pending
}

func (a *Aggregator) merge(sessionID string, utterances []ledger.Utterance, afterNamePrompt bool) Batch {
	texts := make([]string, len(utterances))
	for i, u := range utterances {
		texts[i] = u.Text
	}
	return Batch{
		SessionID:  sessionID,
		Text:       Merge(texts, afterNamePrompt),
		Count:      len(utterances),
		Utterances: append([]ledger.Utterance(nil), utterances...),
	}
}

// =============================================================================
// MERGING
// =============================================================================

var connectors = map[string]bool{
	"y": true, "e": true, "o": true, "de": true, "del": true, "que": true, "pero": true,
	"con": true, "en": true, "mi": true, "el": true, "la": true, "un": true, "una": true,
	"es": true, "and": true, "or": true, "but": true, "of": true, "my": true, "the": true,
	"a": true, "is": true, "llamo": true, "soy": true,
}

// Merge joins buffered texts. A fragment continues the previous text (joined
// with a space) when it is short, when the previous text ends in a comma or
// a connector word, or when it answers a name prompt. Otherwise it starts a
// new sentence.
func Merge(texts []string, afterNamePrompt bool) string {
	var b strings.Builder
	prev := ""
	for _, raw := range texts {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		if prev == "" {
			b.WriteString(t)
			prev = t
			continue
		}
		switch {
		case endsSentence(prev):
			b.WriteString(" ")
		case continues(prev, t, afterNamePrompt):
			b.WriteString(" ")
		default:
			b.WriteString(". ")
		}
		b.WriteString(t)
		prev = t
	}
	return b.String()
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".!?…", r)
}

func continues(prev, next string, afterNamePrompt bool) bool {
	words := len(strings.Fields(next))
	if words <= shortFragmentWords {
		return true
	}
	if afterNamePrompt && words <= namePromptWords {
		return true
	}
	if strings.HasSuffix(prev, ",") {
		return true
	}
	fields := strings.Fields(strings.ToLower(prev))
	return connectors[fields[len(fields)-1]]
}
