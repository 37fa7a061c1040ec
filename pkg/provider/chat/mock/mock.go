// Package mock provides a test double for the chat.Client interface.
//
// Use Client in unit tests to feed controlled answers without a live chat
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// AskCall records a single invocation of Ask.
type AskCall struct {
	// Ctx is the context passed to Ask.
	Ctx context.Context
	// Prompt is the prompt passed to Ask.
	Prompt string
	// ConversationID is the conversation identifier passed to Ask.
	ConversationID string
}

// Client is a mock implementation of chat.Client.
//
// When AskFunc is set it handles every call. Otherwise Answers and Errs are
// consumed in order, one entry per call; a call past the end of both slices
// returns zero values.
type Client struct {
	mu sync.Mutex

	// AskFunc, if non-nil, handles every Ask call.
	AskFunc func(ctx context.Context, prompt, conversationID string) (chat.Answer, error)

	// Answers are returned in order for successive Ask calls.
	Answers []chat.Answer

	// Errs are returned in order for successive Ask calls. A nil entry means
	// the call at that position succeeds.
	Errs []error

	// Calls records every invocation in order.
	Calls []AskCall

	next int
}

var _ chat.Client = (*Client)(nil)

// Ask implements chat.Client.
func (c *Client) Ask(ctx context.Context, prompt string, conversationID string) (chat.Answer, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, AskCall{Ctx: ctx, Prompt: prompt, ConversationID: conversationID})
	fn := c.AskFunc
	i := c.next
	c.next++
	var ans chat.Answer
	var err error
	if fn == nil {
		if i < len(c.Answers) {
			ans = c.Answers[i]
		}
		if i < len(c.Errs) {
			err = c.Errs[i]
		}
	}
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, conversationID)
	}
	return ans, err
}

// AskCount returns the number of recorded Ask calls.
func (c *Client) AskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
