package backend

import "ChatRelay/internal/session"

// ChatMessage is one entry of the messages array on the wire.
type ChatMessage struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
}

// ChatRequest represents the request body for OpenAI-compatible APIs
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

// ChatUsage is the token accounting block of a completion response.
type ChatUsage struct {
	CompletionTokens int64 `json:"completion_tokens"`
	PromptTokens     int64 `json:"prompt_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResponse represents the response from OpenAI-compatible APIs
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage ChatUsage `json:"usage"`
}

// MessagesFrom converts a conversation into wire messages.
func MessagesFrom(conv session.Conversation) []ChatMessage {
	out := make([]ChatMessage, len(conv))
	for i, msg := range conv {
		out[i] = ChatMessage{Role: msg.Role, Content: msg.Content}
	}
	return out
}
