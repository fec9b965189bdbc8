package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by the namespace before the dot.
const (
	ConnStatusChanged = "conn.status_changed"
	ConnAuthFailed    = "conn.auth_failed"
	ConnResynced      = "conn.resynced"

	StoreConversationUpserted = "store.conversation_upserted"
	StoreMessageUpserted      = "store.message_upserted"
	StoreMessageFailed        = "store.message_failed"
	StoreHistoryLoaded        = "store.history_loaded"
	StoreTyping               = "store.typing"

	UploadProgress = "upload.progress"
	UploadFinished = "upload.finished"
)
