package model

import "errors"

var (
	// ErrEmptyMessage is returned when a send carries neither text nor any
	// uploaded attachment.
	ErrEmptyMessage = errors.New("message has no text and no uploaded attachments")

	// ErrBlocked is returned when a send is attempted on a chat the current
	// user has blocked. Enforced by the engine regardless of UI state.
	ErrBlocked = errors.New("chat is blocked by the current user")

	// ErrPinLimit is returned when pinning would exceed the pin cap.
	// No network call is made.
	ErrPinLimit = errors.New("pinned message limit reached")

	// ErrChatNotFound is returned for operations on a chat the store
	// does not know about.
	ErrChatNotFound = errors.New("chat not found")
)
