package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a user's presence status as mirrored from the server.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// DeliveryState tracks a client-originated message through send reconciliation.
// Server-sourced messages are always DeliveryConfirmed.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// UploadState tracks an attachment through the upload coordinator.
type UploadState string

const (
	UploadLocalPreview UploadState = "local-preview"
	UploadUploading    UploadState = "uploading"
	UploadUploaded     UploadState = "uploaded"
	UploadFailed       UploadState = "failed"
)

// Participant is a user reference inside a chat.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
}

// Chat is a conversation, normalized to a single canonical participants list
// regardless of which historical wire shape it arrived in.
type Chat struct {
	ID                 string
	Participants       []Participant
	Partner            *Participant
	IsFavorite         bool
	IsBlockedByMe      bool
	LastMessagePreview string
	LastMessageAt      time.Time
}

// MessageRef is a lightweight reference to another message (reply preview).
type MessageRef struct {
	ID       string `json:"_id"`
	AuthorID string `json:"authorId,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

// Attachment is a file descriptor resolved by the upload coordinator before
// (or after) being attached to a message.
type Attachment struct {
	URL      string      `json:"url"`
	ThumbURL string      `json:"thumbUrl,omitempty"`
	Name     string      `json:"name,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	IsImage  bool        `json:"-"`
	Upload   UploadState `json:"-"`
}

// Message is immutable once confirmed; edits and deletes go through explicit
// server-first operations.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Text        string
	Attachments []Attachment
	CreatedAt   time.Time
	ReplyTo     *MessageRef
	ForwardOf   string
	Delivery    DeliveryState
}

const tempIDPrefix = "tmp_"

// NewTempID generates a local message id used until the server ack arrives.
func NewTempID() string {
	entropy := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s%d_%s", tempIDPrefix, time.Now().UnixMilli(), entropy)
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// EchoSignature identifies a message by sender and content. It is used to
// recognize the server's echo of a message that is still pending locally,
// where the server id does not match the temp id.
func (m Message) EchoSignature() string {
	return m.SenderID + "\x00" + m.Text + "\x00" + fmt.Sprint(len(m.Attachments))
}

// IsImageType reports whether a mime type or file name looks like an image.
func IsImageType(mimeType, name string) bool {
	if strings.HasPrefix(mimeType, "image/") {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
