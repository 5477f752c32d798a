// Package llm is a minimal chat-completions client used by the intent
// matcher.
package llm

import "context"

// Turn is one entry of a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"content"`
}

func System(text string) Turn { return Turn{Role: "system", Text: text} }
func User(text string) Turn   { return Turn{Role: "user", Text: text} }

// Request is a single deterministic completion request.
type Request struct {
	Turns       []Turn
	Temperature float64
	Seed        int64
	// JSONObject constrains the reply to a single JSON object.
	JSONObject bool
}

// Completer returns the assistant text for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}
