/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package geminillm implements the LLM port with Gemini models via the
// Google GenAI SDK.
package geminillm

import (
	"context"
	"fmt"

	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/llm/llmretry"
	"chainguard.dev/argus/metrics"
	"github.com/chainguard-dev/clog"
	"google.golang.org/genai"
)

// Client implements llm.Interface over the GenAI SDK.
type Client struct {
	client      *genai.Client
	model       string
	temperature float32
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

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float32) Option {
	return func(c *Client) error {
		if temp < 0.0 || temp > 2.0 {
			return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", temp)
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

// New creates a Gemini-backed LLM client.
func New(client *genai.Client, opts ...Option) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("genai client cannot be nil")
	}
	c := &Client{
		client:      client,
		model:       "gemini-2.5-pro",
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
// to the system instruction; the remaining turns become contents.
func (c *Client) Send(ctx context.Context, messages []llm.Message) (<-chan string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if config.SystemInstruction == nil {
				config.SystemInstruction = &genai.Content{}
			}
			config.SystemInstruction.Parts = append(config.SystemInstruction.Parts,
				&genai.Part{Text: m.Content})
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		log := clog.FromContext(ctx)

		response, err := llmretry.Do(ctx, c.retryConfig, "gemini_generate", llmretry.IsRetryable, func() (*genai.GenerateContentResponse, error) {
			return c.client.Models.GenerateContent(ctx, c.model, contents, config)
		})
		if err != nil {
			log.With("error", err).With("model", c.model).Error("Gemini completion failed")
			return
		}

		if usage := response.UsageMetadata; usage != nil {
			c.genai.RecordUsage(ctx, c.model, int64(usage.PromptTokenCount), int64(usage.CandidatesTokenCount))
		}

		for _, candidate := range response.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case out <- part.Text:
				case <-ctx.Done():
					return
				}
			}
			break
		}
	}()

	return out, nil
}
