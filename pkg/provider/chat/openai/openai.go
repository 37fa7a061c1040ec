// Package openai provides a chat client backed by the OpenAI API.
//
// Conversation history is kept client-side, keyed by an opaque conversation
// identifier: each Ask replays the conversation's prior turns so the model
// answers with full context. Requests are serialized process-wide because the
// upstream account-level rate limit applies across all conversations.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

const defaultModel = "gpt-4o-mini"

// maxTurns bounds the replayed history per conversation. Oldest turns are
// evicted first; the system prompt is always kept.
const maxTurns = 40

// Client implements chat.Client using the OpenAI API.
type Client struct {
	client oai.Client
	model  string
	system string

	// gate serializes asks across all conversations.
	gate *semaphore.Weighted

	mu            sync.Mutex
	conversations map[string][]oai.ChatCompletionMessageParamUnion
}

// config holds optional configuration for the client.
type config struct {
	model   string
	system  string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Client.
type Option func(*config)

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithSystemPrompt sets a system message prepended to every conversation.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) {
		c.system = prompt
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI chat Client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// The caller owns retry policy; rate limits must surface immediately
		// as ErrSessionRefresh instead of being retried in the transport.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Client{
		client:        oai.NewClient(reqOpts...),
		model:         cfg.model,
		system:        cfg.system,
		gate:          semaphore.NewWeighted(1),
		conversations: make(map[string][]oai.ChatCompletionMessageParamUnion),
	}, nil
}

var _ chat.Client = (*Client)(nil)

// Ask implements chat.Client.
func (c *Client) Ask(ctx context.Context, prompt string, conversationID string) (chat.Answer, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return chat.Answer{}, fmt.Errorf("openai: acquire request slot: %w", err)
	}
	defer c.gate.Release(1)

	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	history := c.history(conversationID)
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if c.system != "" {
		messages = append(messages, oai.SystemMessage(c.system))
	}
	messages = append(messages, history...)
	messages = append(messages, oai.UserMessage(prompt))

	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode >= http.StatusInternalServerError) {
			return chat.Answer{}, fmt.Errorf("%w: %v", chat.ErrSessionRefresh, err)
		}
		return chat.Answer{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return chat.Answer{}, fmt.Errorf("openai: empty choices in response")
	}

	reply := resp.Choices[0].Message.Content
	c.record(conversationID, prompt, reply)

	return chat.Answer{Message: reply, ConversationID: conversationID}, nil
}

// Forget drops the stored history of a conversation.
func (c *Client) Forget(conversationID string) {
	c.mu.Lock()
	delete(c.conversations, conversationID)
	c.mu.Unlock()
}

// history returns a copy of the conversation's stored turns.
func (c *Client) history(conversationID string) []oai.ChatCompletionMessageParamUnion {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := c.conversations[conversationID]
	out := make([]oai.ChatCompletionMessageParamUnion, len(stored))
	copy(out, stored)
	return out
}

// record appends the completed exchange to the conversation, evicting the
// oldest turns beyond maxTurns.
func (c *Client) record(conversationID, prompt, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.conversations[conversationID],
		oai.UserMessage(prompt),
		oai.AssistantMessage(reply),
	)
	if len(h) > maxTurns*2 {
		h = h[len(h)-maxTurns*2:]
	}
	c.conversations[conversationID] = h
}
