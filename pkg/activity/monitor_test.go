package activity

import (
	"testing"
)

func TestMonitor_SignalsInvokeCallback(t *testing.T) {
	source := NewChannelSource()
	monitor := NewMonitor(source)

	count := 0
	stop := monitor.Start(func() { count++ })
	defer stop()

	source.Emit(Signal{Kind: SignalClick})
	source.Emit(Signal{Kind: SignalKeyDown})
	source.Emit(Signal{Kind: SignalPointerDown})
	source.Emit(Signal{Kind: SignalTouchStart})

	if count != 4 {
		t.Errorf("callback invoked %d times, want 4", count)
	}
}

func TestMonitor_UnknownSignalIgnored(t *testing.T) {
	source := NewChannelSource()
	monitor := NewMonitor(source)

	count := 0
	stop := monitor.Start(func() { count++ })
	defer stop()

	source.Emit(Signal{Kind: SignalKind("scroll")})

	if count != 0 {
		t.Errorf("callback invoked %d times for unsubscribed kind, want 0", count)
	}
}

func TestMonitor_RapidRepeatedSignals(t *testing.T) {
	source := NewChannelSource()
	monitor := NewMonitor(source)

	count := 0
	stop := monitor.Start(func() { count++ })
	defer stop()

	for i := 0; i < 1000; i++ {
		source.Emit(Signal{Kind: SignalClick})
	}

	if count != 1000 {
		t.Errorf("callback invoked %d times, want 1000", count)
	}
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	source := NewChannelSource()
	monitor := NewMonitor(source)

	count := 0
	stop := monitor.Start(func() { count++ })

	stop()
	stop() // second call must be a no-op, not an error

	source.Emit(Signal{Kind: SignalClick})
	if count != 0 {
		t.Errorf("callback invoked %d times after stop, want 0", count)
	}
}

func TestChannelSource_UnsubscribeOnlyRemovesOwnSubscription(t *testing.T) {
	source := NewChannelSource()

	a, b := 0, 0
	unsubA := source.Subscribe([]SignalKind{SignalClick}, func(Signal) { a++ })
	unsubB := source.Subscribe([]SignalKind{SignalClick}, func(Signal) { b++ })
	defer unsubB()

	unsubA()
	source.Emit(Signal{Kind: SignalClick})

	if a != 0 {
		t.Errorf("unsubscribed listener invoked %d times, want 0", a)
	}
	if b != 1 {
		t.Errorf("remaining listener invoked %d times, want 1", b)
	}
}
