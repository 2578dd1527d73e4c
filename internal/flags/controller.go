// Package flags applies optimistic chat flag toggles with server rollback:
// favorites, blocks and message pins.
package flags

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
	"github.com/anunciaya/chatd/internal/state"
)

const pinsChangedEvent = bus.NsSocket + "chat:pinsChanged"

// API is the slice of the REST client the controller uses.
type API interface {
	SetFavorite(ctx context.Context, chatID string, favorite bool) error
	SetBlocked(ctx context.Context, chatID string, blocked bool) error
	ListPins(ctx context.Context, chatID string) ([]string, error)
	PinMessage(ctx context.Context, messageID string) error
	UnpinMessage(ctx context.Context, messageID string) error
}

// Controller flips flags locally first and undoes the flip when the backend
// rejects it.
type Controller struct {
	api      API
	store    *state.Store
	bus      *bus.Bus
	logger   *zap.Logger
	pinLimit int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(api API, store *state.Store, b *bus.Bus, logger *zap.Logger, pinLimit int) *Controller {
	if pinLimit <= 0 {
		pinLimit = 5
	}
	return &Controller{api: api, store: store, bus: b, logger: logger, pinLimit: pinLimit}
}

// Start watches for external pin changes pushed over the socket. Any signal
// triggers a refetch of the authoritative pin set.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	ch, unsub := c.bus.Subscribe(pinsChangedEvent, 16)
	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				raw, ok := evt.Payload.(json.RawMessage)
				if !ok {
					continue
				}
				var sig struct {
					ChatID string `json:"chatId"`
				}
				if err := json.Unmarshal(raw, &sig); err != nil || sig.ChatID == "" {
					continue
				}
				if err := c.RefreshPins(ctx, sig.ChatID); err != nil {
					c.logger.Warn("pin refresh failed", zap.String("chat", sig.ChatID), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the external pin watcher.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// ToggleFavorite flips the chat's favorite flag.
func (c *Controller) ToggleFavorite(ctx context.Context, chatID string) error {
	chat, ok := c.store.Chat(chatID)
	if !ok {
		return model.ErrChatNotFound
	}
	want := !chat.IsFavorite

	prev, err := c.store.SetFavorite(chatID, want)
	if err != nil {
		return err
	}
	if err := c.api.SetFavorite(ctx, chatID, want); err != nil {
		if _, rbErr := c.store.SetFavorite(chatID, prev); rbErr != nil {
			c.logger.Error("favorite rollback failed", zap.String("chat", chatID), zap.Error(rbErr))
		}
		return err
	}
	return nil
}

// ToggleBlock flips the chat's blocked-by-me flag.
func (c *Controller) ToggleBlock(ctx context.Context, chatID string) error {
	chat, ok := c.store.Chat(chatID)
	if !ok {
		return model.ErrChatNotFound
	}
	want := !chat.IsBlockedByMe

	prev, err := c.store.SetBlocked(chatID, want)
	if err != nil {
		return err
	}
	if err := c.api.SetBlocked(ctx, chatID, want); err != nil {
		if _, rbErr := c.store.SetBlocked(chatID, prev); rbErr != nil {
			c.logger.Error("block rollback failed", zap.String("chat", chatID), zap.Error(rbErr))
		}
		return err
	}
	return nil
}

// TogglePin pins or unpins a message. The pin cap is enforced locally before
// any network call; unpinning is always allowed.
func (c *Controller) TogglePin(ctx context.Context, chatID, messageID string, willPin bool) error {
	if willPin {
		if c.store.PinCount(chatID) >= c.pinLimit {
			return model.ErrPinLimit
		}
		if !c.store.AddPin(chatID, messageID) {
			return nil // already pinned
		}
		if err := c.api.PinMessage(ctx, messageID); err != nil {
			c.store.RemovePin(chatID, messageID)
			return err
		}
		return nil
	}

	if !c.store.RemovePin(chatID, messageID) {
		return nil
	}
	if err := c.api.UnpinMessage(ctx, messageID); err != nil {
		c.store.AddPin(chatID, messageID)
		return err
	}
	return nil
}

// RefreshPins replaces the local pin set with the server's.
func (c *Controller) RefreshPins(ctx context.Context, chatID string) error {
	ids, err := c.api.ListPins(ctx, chatID)
	if err != nil {
		return err
	}
	c.store.SetPins(chatID, ids)
	return nil
}
