// Package chat defines the provider-agnostic contract for conversational
// question answering. A provider keeps per-conversation context server- or
// client-side behind an opaque conversation identifier; callers thread that
// identifier through successive asks to continue a conversation.
package chat

import (
	"context"
	"errors"
)

// ErrSessionRefresh signals a transient provider-side rejection, typically
// rate limiting. The conversation itself is intact; the caller should wait
// and retry the same ask.
var ErrSessionRefresh = errors.New("chat: session refresh required")

// Answer is the provider's reply to one ask.
type Answer struct {
	// Message is the assistant's reply text.
	Message string

	// ConversationID identifies the conversation this exchange belongs to.
	// Pass it to the next Ask to continue the conversation.
	ConversationID string
}

// Client answers free-form prompts with conversational context.
//
// Implementations must be safe for concurrent use, though they may serialize
// requests internally.
type Client interface {
	// Ask sends prompt within the given conversation. An empty conversationID
	// starts a new conversation. Returns ErrSessionRefresh (possibly wrapped)
	// when the provider temporarily rejected the request and the caller
	// should retry after a cooldown.
	Ask(ctx context.Context, prompt string, conversationID string) (Answer, error)
}
