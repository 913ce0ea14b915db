package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModelAuto is the model sentinel every active account may select.
const ModelAuto = "auto"

type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Sources        []string  `json:"sources"`
	Timestamp      time.Time `json:"timestamp"`
}

type AccessRecord struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	AllowedModels []string  `json:"allowed_models"`
	IsActive      bool      `json:"is_active"`
	IsAdmin       bool      `json:"is_admin"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UsageRecord rows are append-only; they are never updated after insertion.
type UsageRecord struct {
	UserID         string    `json:"user_id"`
	Email          string    `json:"email"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type ModelUsage struct {
	Cost         float64 `json:"cost"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

type UsageStats struct {
	TotalCost     float64               `json:"total_cost"`
	TotalRequests int64                 `json:"total_requests"`
	ByModel       map[string]ModelUsage `json:"by_model"`
}
