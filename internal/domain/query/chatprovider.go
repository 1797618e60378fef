package query

import "context"

// TokenStream yields generation deltas; Next returns io.EOF once the
// upstream signals completion. Mirrors the shape of the remote chat
// client's streaming Recv/Close pair.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// ChatProvider is the capability the orchestrator calls for generation.
// Two variants are wired: Remote (wraps the external chat-completion
// client) and Echo (deterministic, offline).
type ChatProvider interface {
	Generate(ctx context.Context, req ChatRequest) (string, error)
	GenerateStream(ctx context.Context, req ChatRequest) (TokenStream, error)
}
