package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
	"github.com/anunciaya/chatd/internal/state"
)

func startTracker(t *testing.T) (*bus.Bus, *state.Store) {
	t.Helper()
	b := bus.New()
	store := state.New(b)
	tr := NewTracker(b, store, zap.NewNop())
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return b, store
}

func waitStatus(t *testing.T, store *state.Store, userID string, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.PresenceStatus(userID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("presence of %s = %s, want %s", userID, store.PresenceStatus(userID), want)
}

func TestSnapshotReplacesState(t *testing.T) {
	b, store := startTracker(t)

	b.Emit(snapshotEvent, json.RawMessage(`{"u1":"online","u2":"away"}`))
	waitStatus(t, store, "u1", model.StatusOnline)
	waitStatus(t, store, "u2", model.StatusAway)

	// A later snapshot that omits u1 resets it to offline.
	b.Emit(snapshotEvent, json.RawMessage(`{"u2":"online"}`))
	waitStatus(t, store, "u1", model.StatusOffline)
	waitStatus(t, store, "u2", model.StatusOnline)
}

func TestDeltaPatchesSingleUser(t *testing.T) {
	b, store := startTracker(t)

	b.Emit(snapshotEvent, json.RawMessage(`{"u1":"online","u2":"online"}`))
	waitStatus(t, store, "u1", model.StatusOnline)

	b.Emit(deltaEvent, json.RawMessage(`{"userId":"u1","status":"away"}`))
	waitStatus(t, store, "u1", model.StatusAway)

	if got := store.PresenceStatus("u2"); got != model.StatusOnline {
		t.Errorf("u2 = %s, want online (untouched by delta)", got)
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	b, store := startTracker(t)

	b.Emit(snapshotEvent, json.RawMessage(`{"u1":"online"}`))
	waitStatus(t, store, "u1", model.StatusOnline)

	b.Emit(snapshotEvent, json.RawMessage(`not json`))
	b.Emit(deltaEvent, json.RawMessage(`{"status":"away"}`))

	// State unchanged after the bad frames.
	time.Sleep(20 * time.Millisecond)
	if got := store.PresenceStatus("u1"); got != model.StatusOnline {
		t.Errorf("u1 = %s, want online", got)
	}
}
