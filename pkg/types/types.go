// Package types defines the message type shared between the completion
// providers and the engines that build prompts for them.
//
// It lives in its own package so that provider adapters and the core can
// both depend on it without importing each other.
package types

// Role values understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a prompt.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role    string
	Content string
}

// System returns a system-role message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user-role message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant-role message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
