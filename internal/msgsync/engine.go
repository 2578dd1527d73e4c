// Package msgsync is the message synchronization engine: optimistic sends
// with ack reconciliation, inbound ingestion with dedup, and history loading.
package msgsync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
	"github.com/anunciaya/chatd/internal/state"
	"github.com/anunciaya/chatd/internal/status"
)

// Socket is the slice of the connection manager the engine uses.
type Socket interface {
	EmitAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Join(channel string)
}

// API is the slice of the REST client the engine uses.
type API interface {
	ListChats(ctx context.Context) ([]model.WireChat, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]model.WireMessage, error)
	EditMessage(ctx context.Context, messageID, text string) (model.WireMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Notifier receives exactly one call per unique inbound message authored by
// someone else. Reconciled optimistic sends and duplicates never reach it.
type Notifier interface {
	Notify(msg model.Message)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(msg model.Message)

func (f NotifierFunc) Notify(msg model.Message) { f(msg) }

// SendInput carries everything a new outgoing message can hold.
type SendInput struct {
	ChatID      string
	Text        string
	Attachments []model.Attachment
	ReplyTo     *model.MessageRef
	ForwardOf   string
}

// Engine coordinates the socket, the REST client and the store.
type Engine struct {
	socket   Socket
	api      API
	store    *state.Store
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	notifier Notifier
	userID   string
	pageSize int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(socket Socket, api API, store *state.Store, b *bus.Bus, machine *status.Machine, logger *zap.Logger, userID string, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		socket:   socket,
		api:      api,
		store:    store,
		bus:      b,
		machine:  machine,
		logger:   logger,
		userID:   userID,
		pageSize: pageSize,
	}
}

// SetNotifier installs the new-message side effect hook. Optional.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Start begins consuming inbound chat frames and connection events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	chatCh, unsubChat := e.bus.Subscribe(bus.NsSocket+"chat:", 128)
	connCh, unsubConn := e.bus.Subscribe(bus.KindConnEstablished, 4)

	go func() {
		defer close(e.done)
		defer unsubChat()
		defer unsubConn()
		for {
			select {
			case evt := <-chatCh:
				e.handleFrame(evt)
			case <-connCh:
				go e.initialSync(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the engine's consumer goroutine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Send validates, inserts the optimistic entry and delivers asynchronously.
// It returns the temp id of the pending entry; a failed send is retried by
// calling Send again, which mints a fresh temp id.
func (e *Engine) Send(in SendInput) (string, error) {
	uploaded := make([]model.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		if a.Upload == model.UploadUploaded {
			uploaded = append(uploaded, a)
		}
	}
	if len(uploaded) == 0 {
		uploaded = nil
	}

	if strings.TrimSpace(in.Text) == "" && len(uploaded) == 0 {
		return "", model.ErrEmptyMessage
	}
	if c, ok := e.store.Chat(in.ChatID); ok && c.IsBlockedByMe {
		return "", model.ErrBlocked
	}

	msg := model.Message{
		ID:          model.NewTempID(),
		ChatID:      in.ChatID,
		SenderID:    e.userID,
		Text:        in.Text,
		Attachments: uploaded,
		ReplyTo:     in.ReplyTo,
		ForwardOf:   in.ForwardOf,
		CreatedAt:   time.Now(),
		Delivery:    model.DeliveryPending,
	}
	e.store.AppendLocal(msg)
	go e.deliver(msg)
	return msg.ID, nil
}

// sendAck is the server's answer to chat:send.
type sendAck struct {
	OK      bool              `json:"ok"`
	Message model.WireMessage `json:"message"`
	Error   string            `json:"error,omitempty"`
}

func (e *Engine) deliver(msg model.Message) {
	payload := model.WireMessage{
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Text:        msg.Text,
		Attachments: msg.Attachments,
		ReplyTo:     msg.ReplyTo,
		ForwardOf:   msg.ForwardOf,
		CreatedAt:   msg.CreatedAt,
	}

	raw, err := e.socket.EmitAck(context.Background(), "chat:send", payload)
	if err != nil {
		e.fail(msg, err.Error())
		return
	}

	var ack sendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		e.fail(msg, "malformed ack")
		return
	}
	if !ack.OK {
		e.fail(msg, ack.Error)
		return
	}

	// In place, idempotent: a duplicate ack finds no pending entry and is a
	// no-op, and an ack never creates an entry.
	if e.store.ResolvePending(msg.ChatID, msg.ID, ack.Message.Canonical()) {
		e.logger.Debug("send confirmed",
			zap.String("chat", msg.ChatID),
			zap.String("id", ack.Message.ID))
	}
}

func (e *Engine) fail(msg model.Message, reason string) {
	if e.store.MarkFailed(msg.ChatID, msg.ID) {
		e.logger.Warn("send failed",
			zap.String("chat", msg.ChatID),
			zap.String("temp_id", msg.ID),
			zap.String("reason", reason))
		e.bus.Emit(bus.KindMessageSendFailed, state.MessageEvent{ChatID: msg.ChatID, MessageID: msg.ID})
	}
}

// LoadChats fetches the chat list, normalizes the legacy partner shapes and
// replaces the store's list.
func (e *Engine) LoadChats(ctx context.Context) error {
	wire, err := e.api.ListChats(ctx)
	if err != nil {
		return err
	}
	chats := make([]model.Chat, len(wire))
	for i, w := range wire {
		chats[i] = w.Normalize(e.userID)
	}
	e.store.ReplaceChats(chats)
	for _, c := range chats {
		e.socket.Join(c.ID)
	}
	e.logger.Info("chat list loaded", zap.Int("chats", len(chats)))
	return nil
}

// LoadMessages fetches one history page and merges it. Buffered inbound
// messages for the chat are folded into the same merge. background loads
// (prefetch) skip the loading events the UI shows spinners for.
func (e *Engine) LoadMessages(ctx context.Context, chatID string, background bool) error {
	if !background {
		e.bus.Emit(bus.KindHistoryLoading, state.ChatEvent{ChatID: chatID})
	}

	wire, err := e.api.ListMessages(ctx, chatID, e.pageSize)
	if err != nil {
		if !background {
			e.bus.Emit(bus.KindHistoryLoaded, state.ChatEvent{ChatID: chatID})
		}
		return err
	}

	page := make([]model.Message, len(wire))
	for i, w := range wire {
		page[i] = w.Canonical()
	}
	added := e.store.MergeHistory(chatID, page)

	if !background {
		e.bus.Emit(bus.KindHistoryLoaded, state.ChatEvent{ChatID: chatID})
	}
	e.logger.Debug("history merged", zap.String("chat", chatID), zap.Int("added", added))
	return nil
}

// Edit updates a message server-first; the local copy changes only after the
// backend accepts.
func (e *Engine) Edit(ctx context.Context, chatID, messageID, text string) error {
	msg, err := e.api.EditMessage(ctx, messageID, text)
	if err != nil {
		return err
	}
	e.store.ApplyEdit(chatID, messageID, msg.Text)
	return nil
}

// Delete removes a message server-first.
func (e *Engine) Delete(ctx context.Context, chatID, messageID string) error {
	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	e.store.RemoveMessage(chatID, messageID)
	return nil
}

// initialSync runs after every successful connect: reload the chat list and
// move the machine to Ready.
func (e *Engine) initialSync(ctx context.Context) {
	if err := e.LoadChats(ctx); err != nil {
		e.logger.Error("initial sync failed", zap.Error(err))
		return
	}
	if err := e.machine.Transition(status.Ready); err != nil {
		e.logger.Debug("not transitioning to ready", zap.Error(err))
	}
}

func (e *Engine) handleFrame(evt bus.Event) {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		return
	}

	switch evt.Kind {
	case bus.NsSocket + "chat:newMessage":
		var w model.WireMessage
		if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
			e.logger.Warn("malformed inbound message", zap.Error(err))
			return
		}
		msg := w.Canonical()
		if e.store.Ingest(msg) && msg.SenderID != e.userID && e.notifier != nil {
			e.notifier.Notify(msg)
		}

	case bus.NsSocket + "chat:messageEdited":
		var w model.WireMessage
		if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
			return
		}
		e.store.ApplyEdit(w.ChatID, w.ID, w.Text)

	case bus.NsSocket + "chat:messageDeleted":
		var del struct {
			ChatID    string `json:"chatId"`
			MessageID string `json:"_id"`
		}
		if err := json.Unmarshal(raw, &del); err != nil || del.MessageID == "" {
			return
		}
		e.store.RemoveMessage(del.ChatID, del.MessageID)
	}
}
