package bus

// InboundMessage is one user message arriving from a chat surface.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a persona reply addressed to a chat.
type OutboundMessage struct {
	Channel      string `json:"channel"`
	ChatID       string `json:"chat_id"`
	Content      string `json:"content"`
	ConstructKey string `json:"construct_key,omitempty"`
}
