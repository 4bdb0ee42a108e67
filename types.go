package pairly

// ============================================================================
// Shared Types
// ============================================================================

// APIError is an application-level rejection returned by the backend:
// the server was reached and answered with a non-2xx status. Transport
// failures are never represented as APIError; see IsNetworkError.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Identity is the authenticated principal a session runs as. It is produced
// by AuthClient.Login and consumed by Session, Reconciler and the CLI; the
// sync core itself never forges or mutates one.
type Identity struct {
	ID    string
	Token string
}

// ============================================================================
// API Types
// ============================================================================

// User is a profile record as the backend returns it.
type User struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Img      string `json:"img,omitempty"`   // avatar URL
	Cover    string `json:"cover,omitempty"` // cover photo URL
	IsOnline bool   `json:"isOnline"`
}

// Message is the last-message summary embedded in a conversation.
type Message struct {
	ID             string        `json:"_id"`
	Sender         MessageSender `json:"sender"`
	ConversationID string        `json:"conversationId,omitempty"`
	Text           string        `json:"text,omitempty"`
	CreatedAt      string        `json:"createdAt,omitempty"`
}

// MessageSender identifies the author of a message.
type MessageSender struct {
	ID string `json:"_id"`
}

// Conversation is one thread in the conversation list.
type Conversation struct {
	ID           string   `json:"_id"`
	Participants []User   `json:"participants,omitempty"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
	UpdatedAt    string   `json:"updatedAt,omitempty"`
}

// LoginResult is the response to a credential login.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// UploadSignature is the short-lived signing grant for a direct asset upload.
type UploadSignature struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	CloudName string `json:"cloudName"`
	APIKey    string `json:"apiKey"`
	Folder    string `json:"folder"`
}
