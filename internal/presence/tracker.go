// Package presence applies server presence events to the shared state.
//
// The server pushes two event shapes: a full snapshot of every known user's
// status, and single-user deltas. Snapshots replace local knowledge
// wholesale; deltas patch one entry. Users absent from the map read as
// offline.
package presence

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
	"github.com/anunciaya/chatd/internal/state"
)

const (
	snapshotEvent = bus.NsSocket + "user:status:snapshot"
	deltaEvent    = bus.NsSocket + "user:status"
)

// Tracker consumes presence frames from the bus and keeps the store current.
type Tracker struct {
	bus    *bus.Bus
	store  *state.Store
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(b *bus.Bus, store *state.Store, logger *zap.Logger) *Tracker {
	return &Tracker{bus: b, store: store, logger: logger}
}

// Start begins consuming presence events until Stop or ctx cancellation.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	// The delta kind is a prefix of the snapshot kind, so one subscription
	// covers both.
	ch, unsub := t.bus.Subscribe(deltaEvent, 64)
	go func() {
		defer close(t.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				t.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tracker and waits for its goroutine to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) handle(evt bus.Event) {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		return
	}

	switch evt.Kind {
	case snapshotEvent:
		var statuses map[string]model.Status
		if err := json.Unmarshal(raw, &statuses); err != nil {
			t.logger.Warn("malformed presence snapshot", zap.Error(err))
			return
		}
		t.store.SetPresenceSnapshot(statuses)
		t.logger.Debug("presence snapshot applied", zap.Int("users", len(statuses)))

	case deltaEvent:
		var delta struct {
			UserID string       `json:"userId"`
			Status model.Status `json:"status"`
		}
		if err := json.Unmarshal(raw, &delta); err != nil || delta.UserID == "" {
			t.logger.Warn("malformed presence delta", zap.Error(err))
			return
		}
		t.store.PatchPresence(delta.UserID, delta.Status)
	}
}
