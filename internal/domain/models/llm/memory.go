package llm

import "time"

// TurnMemoryEntry indexes one completed exchange for semantic recall.
type TurnMemoryEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageIDs     []string  `json:"message_ids"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryMatch is a recalled entry with its similarity score.
type MemoryMatch struct {
	Entry TurnMemoryEntry `json:"entry"`
	Score float64         `json:"score"`
}

// PendingRequest is inbound content waiting to be consumed by a successful run.
type PendingRequest struct {
	ID         string        `json:"id" msgpack:"id"`
	Parts      []ContentPart `json:"parts" msgpack:"parts"`
	ReceivedAt time.Time     `json:"received_at" msgpack:"received_at"`
}

// PendingKey identifies the pending queue and run slot of one author in one conversation.
func PendingKey(conversationID, authorID string) string {
	return conversationID + ":" + authorID
}
