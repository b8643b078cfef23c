/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package llm defines the port through which the agent core talks to a
// large language model, plus the canary/boundary framing protocol every
// prompt carrying untrusted text must use. Concrete providers live in
// subpackages (claudellm, geminillm).
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned when no model is configured or the provider
// cannot be reached at all. Callers treat it per the pipeline's error
// taxonomy (the issue is parked as stuck, resumable).
var ErrUnavailable = errors.New("llm unavailable")

// ErrCanaryMissing is returned by callers that required a canary echo and
// did not find one in the response.
var ErrCanaryMissing = errors.New("canary missing from llm response")

// Role tags a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// Interface is the LLM port. Send starts a completion for the given
// messages and streams response text chunks. The stream is closed when
// the completion finishes; cancellation goes through ctx. Implementations
// must never retain conversation state across calls.
type Interface interface {
	Send(ctx context.Context, messages []Message) (<-chan string, error)
}

// Complete drains a Send stream into a single string. It returns
// ErrUnavailable unchanged so callers can branch on it.
func Complete(ctx context.Context, client Interface, messages []Message) (string, error) {
	if client == nil {
		return "", ErrUnavailable
	}
	stream, err := client.Send(ctx, messages)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), nil
			}
			sb.WriteString(chunk)
		}
	}
}
