// Package anthropic wraps the Anthropic Messages API for structured plan
// extraction.
package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// StopMaxTokens is the stop reason of an answer cut off at MaxTokens.
const StopMaxTokens = "max_tokens"

// Client sends extraction prompts.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is one extraction call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is a system prompt segment. A non-nil CacheControl marks a
// prompt cache breakpoint after it.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl sets the cache lifetime, "5m" or "1h". Empty uses 5m.
type CacheControl struct {
	TTL string
}

// CachedSystem returns text as a single system block cached for an hour.
// The extraction schema is the same for every plan, so repeated calls read
// it from the prompt cache.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "1h"}}}
}

// Message is a conversation turn. Any role other than "assistant" is sent
// as the user.
type Message struct {
	Role    string
	Content string
}

// UserPrompt is the single-turn request body.
func UserPrompt(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// MessageResponse is the model's answer.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// Text concatenates the response's text blocks.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Truncated reports whether the answer stopped at the token limit.
func (r *MessageResponse) Truncated() bool {
	return r != nil && r.StopReason == StopMaxTokens
}

// ContentBlock is one block of a response.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage counts the tokens a call consumed.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// BilledInput returns input tokens weighted the way cache writes and reads
// are billed relative to plain input.
func (u TokenUsage) BilledInput() int64 {
	return u.InputTokens + u.CacheCreationInputTokens*5/4 + u.CacheReadInputTokens/10
}

// Log records usage for a plan at debug level.
func (u TokenUsage) Log(model, planID string) {
	zap.L().Debug("anthropic: token usage",
		zap.String("model", model),
		zap.String("plan_id", planID),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
	)
}

// Options tunes the SDK transport.
type Options struct {
	// BaseURL overrides the API root when set.
	BaseURL string
	// MaxRetries is the SDK's retry budget for 429 and 5xx answers.
	// Negative keeps the SDK default.
	MaxRetries int
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by anthropic-sdk-go.
func NewClient(apiKey string, opts Options) Client {
	ro := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries >= 0 {
		ro = append(ro, option.WithMaxRetries(opts.MaxRetries))
	}
	return &sdkClient{client: sdk.NewClient(ro...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if len(req.Messages) == 0 {
		return nil, eris.New("anthropic: create message: no messages")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  toSDKMessages(req.Messages),
	}
	if len(req.System) > 0 {
		params.System = toSDKSystemBlocks(req.System)
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrapf(err, "anthropic: create message (%s)", req.Model)
	}
	return fromSDKMessage(msg), nil
}

func toSDKMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(msgs))
	for i, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out[i] = sdk.NewAssistantMessage(block)
			continue
		}
		out[i] = sdk.NewUserMessage(block)
	}
	return out
}

func toSDKSystemBlocks(blocks []SystemBlock) []sdk.TextBlockParam {
	out := make([]sdk.TextBlockParam, len(blocks))
	for i, b := range blocks {
		out[i] = sdk.TextBlockParam{Text: b.Text}
		if b.CacheControl == nil {
			continue
		}
		cc := sdk.NewCacheControlEphemeralParam()
		if b.CacheControl.TTL != "" {
			cc.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
		}
		out[i].CacheControl = cc
	}
	return out
}

func fromSDKMessage(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return resp
}
