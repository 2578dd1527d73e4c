package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kind namespaces. Subscribers filter by prefix, so "socket." receives every
// raw inbound socket frame while "socket.chat:typing" receives exactly one
// event name.
const (
	// NsSocket prefixes raw inbound socket frames as "socket.<event>".
	// Payload is the frame's raw JSON data.
	NsSocket = "socket."

	// NsConn prefixes connection lifecycle events from the socket manager.
	NsConn = "conn."

	// NsSession prefixes session state machine transitions.
	NsSession = "session."

	// Store mutation namespaces consumed by the UI layer.
	NsMessage  = "message."
	NsChat     = "chat."
	NsPresence = "presence."
	NsTyping   = "typing."
	NsPins     = "pins."
	NsUpload   = "upload."
)

const (
	KindConnEstablished     = NsConn + "established"
	KindConnLost            = NsConn + "lost"
	KindConnUnauthenticated = NsConn + "unauthenticated"

	KindStatusChanged = NsSession + "status_changed"

	KindMessageAdded      = NsMessage + "added"
	KindMessageUpdated    = NsMessage + "updated"
	KindMessageRemoved    = NsMessage + "removed"
	KindMessageSendFailed = NsMessage + "send_failed"

	KindChatUpdated      = NsChat + "updated"
	KindChatListReplaced = NsChat + "list_replaced"
	KindHistoryLoading   = NsChat + "history_loading"
	KindHistoryLoaded    = NsChat + "history_loaded"

	KindPresenceChanged = NsPresence + "changed"
	KindTypingChanged   = NsTyping + "changed"
	KindPinsChanged     = NsPins + "changed"

	KindUploadFinished = NsUpload + "finished"
	KindUploadFailed   = NsUpload + "failed"
)
