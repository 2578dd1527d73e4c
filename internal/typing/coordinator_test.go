package typing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/state"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []typingSignal
}

func (r *recordingEmitter) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(typingSignal))
	return nil
}

func (r *recordingEmitter) signals() []typingSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]typingSignal, len(r.events))
	copy(out, r.events)
	return out
}

func newCoordinator(t *testing.T, emitter Emitter, idle, expiry time.Duration) (*Coordinator, *bus.Bus, *state.Store) {
	t.Helper()
	b := bus.New()
	store := state.New(b)
	c := NewCoordinator(emitter, b, store, zap.NewNop(), idle, expiry)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, b, store
}

func TestKeystrokeBurstEmitsOneStartOneStop(t *testing.T) {
	rec := &recordingEmitter{}
	c, _, _ := newCoordinator(t, rec, 40*time.Millisecond, time.Second)

	for n := 0; n < 5; n++ {
		c.Keystroke("c1")
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond) // let the idle timer fire

	got := rec.signals()
	if len(got) != 2 {
		t.Fatalf("signals = %v, want start then stop", got)
	}
	if !got[0].IsTyping || got[0].ChatID != "c1" {
		t.Errorf("first signal = %+v, want typing start", got[0])
	}
	if got[1].IsTyping {
		t.Errorf("second signal = %+v, want typing stop", got[1])
	}
}

func TestExplicitStopBeatsIdleTimer(t *testing.T) {
	rec := &recordingEmitter{}
	c, _, _ := newCoordinator(t, rec, 50*time.Millisecond, time.Second)

	c.Keystroke("c1")
	c.StopTyping("c1")
	time.Sleep(120 * time.Millisecond) // idle window passes; timer must not re-fire

	got := rec.signals()
	if len(got) != 2 {
		t.Fatalf("signals = %d, want exactly 2 (start + one stop)", len(got))
	}
}

func TestStopWithoutTypingIsNoop(t *testing.T) {
	rec := &recordingEmitter{}
	c, _, _ := newCoordinator(t, rec, 50*time.Millisecond, time.Second)

	c.StopTyping("c1")
	if got := rec.signals(); len(got) != 0 {
		t.Errorf("signals = %v, want none", got)
	}
}

func TestKeystrokeAfterIdleStartsNewBurst(t *testing.T) {
	rec := &recordingEmitter{}
	c, _, _ := newCoordinator(t, rec, 30*time.Millisecond, time.Second)

	c.Keystroke("c1")
	time.Sleep(80 * time.Millisecond)
	c.Keystroke("c1")
	time.Sleep(80 * time.Millisecond)

	got := rec.signals()
	if len(got) != 4 {
		t.Fatalf("signals = %v, want two start/stop pairs", got)
	}
}

func TestRemoteTypingAutoExpires(t *testing.T) {
	rec := &recordingEmitter{}
	_, b, store := newCoordinator(t, rec, time.Second, 60*time.Millisecond)

	b.Emit(typingEvent, json.RawMessage(`{"chatId":"c1","userId":"u2","isTyping":true}`))

	waitFor(t, func() bool { return store.TypingUser("c1") == "u2" })
	// No stop frame ever arrives; the expiry window clears it.
	waitFor(t, func() bool { return store.TypingUser("c1") == "" })
}

func TestRemoteStopClearsImmediately(t *testing.T) {
	rec := &recordingEmitter{}
	_, b, store := newCoordinator(t, rec, time.Second, 10*time.Second)

	b.Emit(typingEvent, json.RawMessage(`{"chatId":"c1","userId":"u2","isTyping":true}`))
	waitFor(t, func() bool { return store.TypingUser("c1") == "u2" })

	b.Emit(typingEvent, json.RawMessage(`{"chatId":"c1","userId":"u2","isTyping":false}`))
	waitFor(t, func() bool { return store.TypingUser("c1") == "" })
}

func TestRemoteRefreshExtendsExpiry(t *testing.T) {
	rec := &recordingEmitter{}
	_, b, store := newCoordinator(t, rec, time.Second, 80*time.Millisecond)

	b.Emit(typingEvent, json.RawMessage(`{"chatId":"c1","userId":"u2","isTyping":true}`))
	waitFor(t, func() bool { return store.TypingUser("c1") == "u2" })

	// Keep refreshing past the original window.
	for n := 0; n < 3; n++ {
		time.Sleep(40 * time.Millisecond)
		b.Emit(typingEvent, json.RawMessage(`{"chatId":"c1","userId":"u2","isTyping":true}`))
	}
	if store.TypingUser("c1") != "u2" {
		t.Error("indicator expired despite refreshes")
	}

	waitFor(t, func() bool { return store.TypingUser("c1") == "" })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
