// Package typing debounces local typing signals and expires remote ones.
//
// Local side: the first keystroke in a chat emits a typing start, further
// keystrokes only re-arm an idle timer, and a single stop goes out when the
// timer expires or the composer is closed. Remote side: typing indicators
// auto-expire after a window even if the peer's stop signal is lost.
package typing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/state"
)

const typingEvent = bus.NsSocket + "chat:typing"

// Emitter sends fire-and-forget socket events.
type Emitter interface {
	Emit(event string, payload any) error
}

type typingSignal struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// Coordinator owns both directions of the typing indicator.
type Coordinator struct {
	emitter Emitter
	bus     *bus.Bus
	store   *state.Store
	logger  *zap.Logger
	idle    time.Duration
	expiry  time.Duration

	mu     sync.Mutex
	local  map[string]*time.Timer
	remote map[string]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(emitter Emitter, b *bus.Bus, store *state.Store, logger *zap.Logger, idle, expiry time.Duration) *Coordinator {
	if idle <= 0 {
		idle = 1200 * time.Millisecond
	}
	if expiry <= 0 {
		expiry = 5 * time.Second
	}
	return &Coordinator{
		emitter: emitter,
		bus:     b,
		store:   store,
		logger:  logger,
		idle:    idle,
		expiry:  expiry,
		local:   make(map[string]*time.Timer),
		remote:  make(map[string]*time.Timer),
	}
}

// Start begins consuming remote typing frames until Stop or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	ch, unsub := c.bus.Subscribe(typingEvent, 64)
	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleRemote(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the consumer and cancels all outstanding timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	for id, timer := range c.local {
		timer.Stop()
		delete(c.local, id)
	}
	for id, timer := range c.remote {
		timer.Stop()
		delete(c.remote, id)
	}
	c.mu.Unlock()
}

// Keystroke reports local typing in a chat. Only the first call emits a
// start; subsequent calls within the idle window re-arm the timer.
func (c *Coordinator) Keystroke(chatID string) {
	c.mu.Lock()
	if timer, ok := c.local[chatID]; ok {
		timer.Reset(c.idle)
		c.mu.Unlock()
		return
	}
	c.local[chatID] = time.AfterFunc(c.idle, func() { c.StopTyping(chatID) })
	c.mu.Unlock()

	_ = c.emitter.Emit("chat:typing", typingSignal{ChatID: chatID, IsTyping: true})
}

// StopTyping emits the typing stop for a chat. It fires at most once per
// typing burst, whether called by the idle timer or an explicit composer
// close.
func (c *Coordinator) StopTyping(chatID string) {
	c.mu.Lock()
	timer, ok := c.local[chatID]
	if ok {
		timer.Stop()
		delete(c.local, chatID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	_ = c.emitter.Emit("chat:typing", typingSignal{ChatID: chatID, IsTyping: false})
}

func (c *Coordinator) handleRemote(evt bus.Event) {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		return
	}
	var sig typingSignal
	if err := json.Unmarshal(raw, &sig); err != nil || sig.ChatID == "" {
		c.logger.Warn("malformed typing frame", zap.Error(err))
		return
	}

	if !sig.IsTyping {
		c.clearRemote(sig.ChatID)
		return
	}

	c.store.SetTyping(sig.ChatID, sig.UserID)
	c.mu.Lock()
	if timer, ok := c.remote[sig.ChatID]; ok {
		timer.Reset(c.expiry)
	} else {
		c.remote[sig.ChatID] = time.AfterFunc(c.expiry, func() { c.clearRemote(sig.ChatID) })
	}
	c.mu.Unlock()
}

// clearRemote drops the indicator for a chat. Safe to call from both the
// expiry timer and an explicit stop frame; the store ignores a second clear.
func (c *Coordinator) clearRemote(chatID string) {
	c.mu.Lock()
	if timer, ok := c.remote[chatID]; ok {
		timer.Stop()
		delete(c.remote, chatID)
	}
	c.mu.Unlock()

	c.store.ClearTyping(chatID)
}
