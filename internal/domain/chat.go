package domain

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks a message typed by the visitor.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the completion service.
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a chat transcript. Messages are never mutated
// once appended.
type ChatMessage struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
