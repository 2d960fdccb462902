// Package activity observes user interaction signals and reports them
// to the session state machine so the inactivity timer can be reset.
package activity

import (
	"sync"
	"time"
)

// SignalKind is a class of user interaction.
type SignalKind string

const (
	SignalPointerDown SignalKind = "pointerdown"
	SignalKeyDown     SignalKind = "keydown"
	SignalTouchStart  SignalKind = "touchstart"
	SignalClick       SignalKind = "click"
)

// DefaultSignals are the interaction classes the monitor subscribes to.
var DefaultSignals = []SignalKind{SignalPointerDown, SignalKeyDown, SignalTouchStart, SignalClick}

// Signal is a single user interaction event.
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// Source delivers interaction signals. The UI shell adapts its native
// event system to this interface; ChannelSource is provided for tests
// and headless shells.
type Source interface {
	// Subscribe registers fn for the given signal kinds and returns an
	// idempotent unsubscribe function.
	Subscribe(kinds []SignalKind, fn func(Signal)) (unsubscribe func())
}

// Monitor watches a Source and invokes a callback on every signal.
type Monitor struct {
	source Source
}

// NewMonitor creates a monitor over the given signal source.
func NewMonitor(source Source) *Monitor {
	return &Monitor{source: source}
}

// Start subscribes to the default signal classes and invokes onActivity
// once per signal. The returned stop function unsubscribes all
// listeners; calling it more than once is a no-op.
func (m *Monitor) Start(onActivity func()) (stop func()) {
	unsubscribe := m.source.Subscribe(DefaultSignals, func(Signal) {
		onActivity()
	})

	var once sync.Once
	return func() {
		once.Do(unsubscribe)
	}
}

// ChannelSource is an in-process Source fed by Emit.
type ChannelSource struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	kinds map[SignalKind]bool
	fn    func(Signal)
}

// NewChannelSource creates an empty signal source.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{subs: make(map[int]subscription)}
}

// Subscribe registers fn for the given kinds.
func (s *ChannelSource) Subscribe(kinds []SignalKind, fn func(Signal)) (unsubscribe func()) {
	kindSet := make(map[SignalKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{kinds: kindSet, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Emit delivers a signal to every subscriber registered for its kind.
func (s *ChannelSource) Emit(sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	s.mu.Lock()
	fns := make([]func(Signal), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.kinds[sig.Kind] {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()

	// Invoke outside the lock so a callback may unsubscribe.
	for _, fn := range fns {
		fn(sig)
	}
}
