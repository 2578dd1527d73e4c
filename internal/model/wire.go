package model

import "time"

// WireUser is a user reference as the backend sends it.
type WireUser struct {
	ID        string `json:"_id"`
	Name      string `json:"nombre"`
	AvatarURL string `json:"avatar,omitempty"`
}

// WireChat is a chat as the backend sends it. The partner can arrive in three
// historical shapes: a usuarioA/usuarioB pair, a participantes array, or a
// single partner field. Normalize folds all three into the canonical form;
// nothing past ingestion ever sees the legacy shapes.
type WireChat struct {
	ID            string     `json:"_id"`
	UsuarioA      *WireUser  `json:"usuarioA,omitempty"`
	UsuarioB      *WireUser  `json:"usuarioB,omitempty"`
	Participantes []WireUser `json:"participantes,omitempty"`
	Partner       *WireUser  `json:"partner,omitempty"`
	IsFavorite    *bool      `json:"isFavorite,omitempty"`
	FavoritesBy   []string   `json:"favoritesBy,omitempty"`
	IsBlocked     *bool      `json:"isBlocked,omitempty"`
	BlockedBy     []string   `json:"blockedBy,omitempty"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt time.Time  `json:"lastMessageAt,omitzero"`
}

// WireMessage is a message as it travels on the socket and REST surfaces.
type WireMessage struct {
	ID          string       `json:"_id"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *MessageRef  `json:"replyTo,omitempty"`
	ForwardOf   string       `json:"forwardOf,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Normalize converts a wire chat into the canonical Chat for the given
// viewer. Partner derivation and the favorite/blocked booleans are resolved
// here, once, so call sites never special-case wire shapes.
func (w WireChat) Normalize(currentUserID string) Chat {
	var participants []Participant
	switch {
	case len(w.Participantes) > 0:
		for _, u := range w.Participantes {
			participants = append(participants, u.participant())
		}
	case w.UsuarioA != nil && w.UsuarioB != nil:
		participants = []Participant{w.UsuarioA.participant(), w.UsuarioB.participant()}
	case w.Partner != nil:
		participants = []Participant{w.Partner.participant()}
	}

	var partner *Participant
	for i := range participants {
		if participants[i].ID != currentUserID {
			partner = &participants[i]
			break
		}
	}

	return Chat{
		ID:                 w.ID,
		Participants:       participants,
		Partner:            partner,
		IsFavorite:         resolveFlag(w.IsFavorite, w.FavoritesBy, currentUserID),
		IsBlockedByMe:      resolveFlag(w.IsBlocked, w.BlockedBy, currentUserID),
		LastMessagePreview: w.LastMessage,
		LastMessageAt:      w.LastMessageAt,
	}
}

// Canonical converts a wire message into the canonical Message. Messages
// arriving from the server are confirmed by definition.
func (w WireMessage) Canonical() Message {
	atts := make([]Attachment, len(w.Attachments))
	for i, a := range w.Attachments {
		a.IsImage = IsImageType(a.MimeType, a.Name)
		a.Upload = UploadUploaded
		atts[i] = a
	}
	if len(atts) == 0 {
		atts = nil
	}
	return Message{
		ID:          w.ID,
		ChatID:      w.ChatID,
		SenderID:    w.SenderID,
		Text:        w.Text,
		Attachments: atts,
		ReplyTo:     w.ReplyTo,
		ForwardOf:   w.ForwardOf,
		CreatedAt:   w.CreatedAt,
		Delivery:    DeliveryConfirmed,
	}
}

func (u WireUser) participant() Participant {
	return Participant{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}
}

// resolveFlag prefers the server-precomputed boolean; older payloads carry
// only the per-user id list.
func resolveFlag(precomputed *bool, byUsers []string, userID string) bool {
	if precomputed != nil {
		return *precomputed
	}
	for _, id := range byUsers {
		if id == userID {
			return true
		}
	}
	return false
}
