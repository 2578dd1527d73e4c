package state

import (
	"testing"
	"time"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
)

func at(sec int) time.Time {
	return time.Date(2026, 8, 1, 10, 0, sec, 0, time.UTC)
}

func confirmed(id, chatID, sender, text string, ts time.Time) model.Message {
	return model.Message{
		ID: id, ChatID: chatID, SenderID: sender, Text: text,
		CreatedAt: ts, Delivery: model.DeliveryConfirmed,
	}
}

func loadedStore(chatID string) *Store {
	s := New(nil)
	s.UpsertChat(model.Chat{ID: chatID})
	s.MergeHistory(chatID, nil)
	return s
}

func TestIngestDeduplicatesByID(t *testing.T) {
	s := loadedStore("c1")
	msg := confirmed("m1", "c1", "u2", "hola", at(1))

	if !s.Ingest(msg) {
		t.Fatal("first Ingest() = false, want true")
	}
	if s.Ingest(msg) {
		t.Error("second Ingest() = true, want false (duplicate)")
	}
	if got := len(s.Messages("c1")); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestIngestIgnoresEchoOfPendingSend(t *testing.T) {
	s := loadedStore("c1")
	tempID := model.NewTempID()
	s.AppendLocal(model.Message{
		ID: tempID, ChatID: "c1", SenderID: "u1", Text: "hola",
		CreatedAt: at(1), Delivery: model.DeliveryPending,
	})

	// Server echoes the same content under its real id before the ack lands.
	if s.Ingest(confirmed("m1", "c1", "u1", "hola", at(1))) {
		t.Error("Ingest() of own echo = true, want false")
	}
	if got := len(s.Messages("c1")); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestIngestBuffersUnloadedChat(t *testing.T) {
	s := New(nil)

	if !s.Ingest(confirmed("m1", "c9", "u2", "early", at(1))) {
		t.Fatal("Ingest() into unloaded chat = false, want true (buffered)")
	}
	if got := len(s.Messages("c9")); got != 0 {
		t.Fatalf("messages visible before history load: %d", got)
	}
	// Duplicate of a buffered message is still a duplicate.
	if s.Ingest(confirmed("m1", "c9", "u2", "early", at(1))) {
		t.Error("duplicate Ingest() into buffer = true, want false")
	}

	added := s.MergeHistory("c9", []model.Message{confirmed("m0", "c9", "u2", "old", at(0))})
	if added != 2 {
		t.Errorf("MergeHistory added = %d, want 2 (page + buffered)", added)
	}
	msgs := s.Messages("c9")
	if len(msgs) != 2 || msgs[0].ID != "m0" || msgs[1].ID != "m1" {
		t.Errorf("merged order = %v", ids(msgs))
	}
}

func TestMergeHistoryDedupAndOrder(t *testing.T) {
	s := loadedStore("c1")
	s.Ingest(confirmed("m2", "c1", "u2", "two", at(2)))

	added := s.MergeHistory("c1", []model.Message{
		confirmed("m1", "c1", "u2", "one", at(1)),
		confirmed("m2", "c1", "u2", "two", at(2)),
		confirmed("m3", "c1", "u2", "three", at(3)),
	})
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	got := ids(s.Messages("c1"))
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestResolvePendingInPlace(t *testing.T) {
	s := loadedStore("c1")
	s.Ingest(confirmed("m1", "c1", "u2", "before", at(1)))
	tempID := model.NewTempID()
	s.AppendLocal(model.Message{ID: tempID, ChatID: "c1", SenderID: "u1", Text: "Hola", CreatedAt: at(2), Delivery: model.DeliveryPending})
	s.Ingest(confirmed("m3", "c1", "u2", "after", at(3)))

	ok := s.ResolvePending("c1", tempID, confirmed("m2", "c1", "u1", "Hola", at(2)))
	if !ok {
		t.Fatal("ResolvePending() = false")
	}
	got := ids(s.Messages("c1"))
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v (position preserved)", got, want)
		}
	}
	if s.Messages("c1")[1].Delivery != model.DeliveryConfirmed {
		t.Error("resolved message not confirmed")
	}
}

func TestResolvePendingIdempotent(t *testing.T) {
	s := loadedStore("c1")
	tempID := model.NewTempID()
	s.AppendLocal(model.Message{ID: tempID, ChatID: "c1", SenderID: "u1", Text: "Hola", CreatedAt: at(1), Delivery: model.DeliveryPending})

	m := confirmed("m1", "c1", "u1", "Hola", at(1))
	if !s.ResolvePending("c1", tempID, m) {
		t.Fatal("first ResolvePending() = false")
	}
	// A second ack for the same temp id must be a no-op, not a new entry.
	if s.ResolvePending("c1", tempID, m) {
		t.Error("second ResolvePending() = true, want false")
	}
	if got := len(s.Messages("c1")); got != 1 {
		t.Errorf("messages = %d, want exactly 1", got)
	}
}

func TestResolvePendingNeverCreates(t *testing.T) {
	s := loadedStore("c1")
	if s.ResolvePending("c1", "tmp_gone", confirmed("m1", "c1", "u1", "x", at(1))) {
		t.Error("ResolvePending() on missing temp id = true, want false")
	}
	if got := len(s.Messages("c1")); got != 0 {
		t.Errorf("ack created %d entries, want 0", got)
	}
}

func TestMarkFailedKeepsContent(t *testing.T) {
	s := loadedStore("c1")
	tempID := model.NewTempID()
	s.AppendLocal(model.Message{ID: tempID, ChatID: "c1", SenderID: "u1", Text: "Hola", CreatedAt: at(1), Delivery: model.DeliveryPending})

	if !s.MarkFailed("c1", tempID) {
		t.Fatal("MarkFailed() = false")
	}
	msgs := s.Messages("c1")
	if msgs[0].Delivery != model.DeliveryFailed || msgs[0].Text != "Hola" {
		t.Errorf("failed entry = %+v, want failed with text retained", msgs[0])
	}
}

func TestEditAndRemove(t *testing.T) {
	s := loadedStore("c1")
	s.Ingest(confirmed("m1", "c1", "u1", "old", at(1)))

	if !s.ApplyEdit("c1", "m1", "new") {
		t.Fatal("ApplyEdit() = false")
	}
	if s.Messages("c1")[0].Text != "new" {
		t.Error("edit not applied")
	}
	if !s.RemoveMessage("c1", "m1") {
		t.Fatal("RemoveMessage() = false")
	}
	if len(s.Messages("c1")) != 0 {
		t.Error("message not removed")
	}
	if s.RemoveMessage("c1", "m1") {
		t.Error("second RemoveMessage() = true, want false")
	}
}

func TestPresenceSnapshotThenPatch(t *testing.T) {
	s := New(nil)
	s.SetPresenceSnapshot(map[string]model.Status{"u1": model.StatusOnline, "u2": model.StatusOnline})
	s.PatchPresence("u1", model.StatusAway)

	if got := s.PresenceStatus("u1"); got != model.StatusAway {
		t.Errorf("u1 = %s, want away", got)
	}
	if got := s.PresenceStatus("u2"); got != model.StatusOnline {
		t.Errorf("u2 = %s, want online", got)
	}
	if got := s.PresenceStatus("unknown"); got != model.StatusOffline {
		t.Errorf("unknown = %s, want offline", got)
	}

	// A new snapshot replaces the map wholesale.
	s.SetPresenceSnapshot(map[string]model.Status{"u3": model.StatusOnline})
	if got := s.PresenceStatus("u1"); got != model.StatusOffline {
		t.Errorf("u1 after snapshot = %s, want offline", got)
	}
}

func TestTypingClearIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NsTyping, 10)
	defer unsub()

	s := New(b)
	s.SetTyping("c1", "u2")
	s.ClearTyping("c1")
	s.ClearTyping("c1") // expiry racing an explicit stop

	if got := s.TypingUser("c1"); got != "" {
		t.Errorf("TypingUser = %q, want empty", got)
	}
	// Exactly two events: set + first clear.
	count := 0
	for {
		select {
		case <-ch:
			count++
		case <-time.After(50 * time.Millisecond):
			if count != 2 {
				t.Errorf("typing events = %d, want 2", count)
			}
			return
		}
	}
}

func TestFlagRollbackValues(t *testing.T) {
	s := New(nil)
	s.UpsertChat(model.Chat{ID: "c1"})

	prev, err := s.SetFavorite("c1", true)
	if err != nil || prev != false {
		t.Fatalf("SetFavorite = (%v, %v), want (false, nil)", prev, err)
	}
	c, _ := s.Chat("c1")
	if !c.IsFavorite {
		t.Error("favorite not set")
	}
	if _, err := s.SetBlocked("missing", true); err == nil {
		t.Error("SetBlocked on unknown chat should error")
	}
}

func TestPins(t *testing.T) {
	s := New(nil)
	s.SetPins("c1", []string{"m1", "m2"})
	if s.PinCount("c1") != 2 {
		t.Fatalf("PinCount = %d, want 2", s.PinCount("c1"))
	}
	if s.AddPin("c1", "m1") {
		t.Error("AddPin duplicate = true, want false")
	}
	if !s.AddPin("c1", "m3") || s.PinCount("c1") != 3 {
		t.Error("AddPin m3 failed")
	}
	if !s.RemovePin("c1", "m2") {
		t.Error("RemovePin m2 = false")
	}
	got := s.Pins("c1")
	if len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Errorf("pins = %v, want [m1 m3]", got)
	}
}

func TestIngestCreatesPlaceholderChat(t *testing.T) {
	s := New(nil)
	s.MergeHistory("c7", nil)
	s.Ingest(confirmed("m1", "c7", "u2", "first contact with a long enough body", at(1)))

	c, ok := s.Chat("c7")
	if !ok {
		t.Fatal("placeholder chat not created")
	}
	if c.LastMessagePreview == "" || !c.LastMessageAt.Equal(at(1)) {
		t.Errorf("preview not denormalized: %+v", c)
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
