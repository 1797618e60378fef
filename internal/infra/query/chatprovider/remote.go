// Package chatprovider adapts the remote chat-completion client, and an
// offline echo variant, to the query.ChatProvider capability.
package chatprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/yanqian/study-abroad-rag/internal/domain/query"
	"github.com/yanqian/study-abroad-rag/internal/infra/llm/chatgpt"
	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
)

// Remote wraps the ChatGPT-shaped HTTP client as a query.ChatProvider.
type Remote struct {
	client *chatgpt.Client
}

// NewRemote constructs a Remote provider over an already-configured client.
func NewRemote(client *chatgpt.Client) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Generate(ctx context.Context, req query.ChatRequest) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, toUpstream(req))
	if err != nil {
		return "", apperrors.NewProviderError("chat completion failed", err, isRetryableUpstream(err))
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.NewProviderError("chat completion returned no choices", nil, true)
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *Remote) GenerateStream(ctx context.Context, req query.ChatRequest) (query.TokenStream, error) {
	stream, err := r.client.CreateChatCompletionStream(ctx, toUpstream(req))
	if err != nil {
		return nil, apperrors.NewProviderError("chat completion stream failed", err, isRetryableUpstream(err))
	}
	return &remoteStream{upstream: stream}, nil
}

func toUpstream(req query.ChatRequest) chatgpt.ChatCompletionRequest {
	messages := make([]chatgpt.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatgpt.Message{Role: m.Role, Content: m.Content})
	}
	return chatgpt.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
}

// isRetryableUpstream treats network errors and the upstream's own
// status-embedded error strings for 429/5xx as retryable; anything else
// (malformed request, auth, 4xx) is fatal.
func isRetryableUpstream(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, code := range []string{"status=429", "status=500", "status=502", "status=503", "status=504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

type remoteStream struct {
	upstream chatgpt.Stream
}

func (s *remoteStream) Next() (string, error) {
	chunk, err := s.upstream.Recv()
	if err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

func (s *remoteStream) Close() error { return s.upstream.Close() }

var _ query.ChatProvider = (*Remote)(nil)

// Echo is a deterministic offline provider for tests and disconnected
// operation: it restates the question, prefixed with a "Based on [1]"
// citation when any prompt message contains a [1] marker.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Generate(_ context.Context, req query.ChatRequest) (string, error) {
	question := lastUserMessage(req.Messages)
	contextChunks := countContextMarkers(req.Messages)
	if contextChunks > 0 {
		return fmt.Sprintf("Based on [1], here is a summary answer to: %s", question), nil
	}
	return fmt.Sprintf("Echo: %s", question), nil
}

func (e *Echo) GenerateStream(ctx context.Context, req query.ChatRequest) (query.TokenStream, error) {
	text, err := e.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &echoStream{tokens: strings.Fields(text)}, nil
}

func lastUserMessage(messages []query.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func countContextMarkers(messages []query.ChatMessage) int {
	n := 0
	for _, m := range messages {
		n += strings.Count(m.Content, "[1]")
	}
	return n
}

type echoStream struct {
	tokens []string
	pos    int
}

func (s *echoStream) Next() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.pos] + " "
	s.pos++
	return tok, nil
}

func (s *echoStream) Close() error { return nil }

var _ query.ChatProvider = (*Echo)(nil)
