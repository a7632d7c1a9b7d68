package llm

import "context"

// Client is the interface every model provider implements.
type Client interface {
	// Chat sends one completion request. tools carries function
	// definitions in the shared {"type":"function","function":{...}}
	// form; each client reduces the parameter schemas to its own
	// dialect before serializing.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks whether the provider is reachable with the
	// configured credentials.
	Ping(ctx context.Context) error
}
