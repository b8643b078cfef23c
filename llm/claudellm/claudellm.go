/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package claudellm implements the LLM port with Anthropic's Claude
// models via the official SDK.
package claudellm

import (
	"context"
	"fmt"

	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/llm/llmretry"
	"chainguard.dev/argus/metrics"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
)

// Client implements llm.Interface over the Anthropic messages API.
type Client struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	retryConfig llmretry.Config
	genai       *metrics.GenAI
}

// Option configures the client.
type Option func(*Client) error

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(c *Client) error {
		if model == "" {
			return fmt.Errorf("model cannot be empty")
		}
		c.model = model
		return nil
	}
}

// WithMaxTokens sets the response token cap.
func WithMaxTokens(tokens int64) Option {
	return func(c *Client) error {
		if tokens <= 0 {
			return fmt.Errorf("max tokens must be positive, got %d", tokens)
		}
		c.maxTokens = tokens
		return nil
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(c *Client) error {
		if temp < 0.0 || temp > 1.0 {
			return fmt.Errorf("temperature must be between 0.0 and 1.0, got %f", temp)
		}
		c.temperature = temp
		return nil
	}
}

// WithRetryConfig overrides the transient-error retry behavior.
func WithRetryConfig(cfg llmretry.Config) Option {
	return func(c *Client) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.retryConfig = cfg
		return nil
	}
}

// New creates a Claude-backed LLM client.
func New(client anthropic.Client, opts ...Option) (*Client, error) {
	c := &Client{
		client:      client,
		model:       "claude-sonnet-4-5@20250929",
		maxTokens:   8192,
		temperature: 0.1,
		retryConfig: llmretry.DefaultConfig(),
		genai:       metrics.NewGenAI("argus.llm"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}
	return c, nil
}

// Send starts a completion and streams response text. System messages map
// to the system prompt; user/assistant turns become conversation history.
func (c *Client) Send(ctx context.Context, messages []llm.Message) (<-chan string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
		default:
			params.Messages = append(params.Messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
		}
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		log := clog.FromContext(ctx)

		// Retry only until the first chunk is forwarded; replaying a
		// partially delivered stream would duplicate text downstream.
		emitted := false
		retryable := func(err error) bool { return !emitted && llmretry.IsRetryable(err) }

		message, err := llmretry.Do(ctx, c.retryConfig, "claude_messages", retryable, func() (*anthropic.Message, error) {
			stream := c.client.Messages.NewStreaming(ctx, params)
			acc := anthropic.Message{}
			for stream.Next() {
				event := stream.Current()
				if err := acc.Accumulate(event); err != nil {
					return nil, fmt.Errorf("accumulating stream event: %w", err)
				}
				switch eventVariant := event.AsAny().(type) {
				case anthropic.ContentBlockDeltaEvent:
					if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok {
						select {
						case out <- delta.Text:
							emitted = true
						case <-ctx.Done():
							return nil, ctx.Err()
						}
					}
				}
			}
			if err := stream.Err(); err != nil {
				return nil, err
			}
			return &acc, nil
		})
		if err != nil {
			log.With("error", err).With("model", c.model).Error("Claude completion failed")
			return
		}
		c.genai.RecordUsage(ctx, c.model, message.Usage.InputTokens, message.Usage.OutputTokens)
	}()

	return out, nil
}
