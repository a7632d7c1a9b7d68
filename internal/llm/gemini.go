package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/patchbay-audio/patchbay/internal/schema"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// geminiGenerator is the slice of the genai SDK the client depends on.
// Tests substitute a fake; production wraps *genai.Client.
type geminiGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// sdkGenerator adapts *genai.Client to geminiGenerator.
type sdkGenerator struct {
	client *genai.Client
}

func (g *sdkGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return g.client.Models.GenerateContent(ctx, model, contents, config)
}

// GeminiClient is a client for the Gemini API via the official SDK.
type GeminiClient struct {
	gen    geminiGenerator
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client with the given API key.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		gen:    &sdkGenerator{client: client},
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Chat sends a chat completion request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if model == "" {
		model = DefaultGeminiModel
	}

	contents, systemPrompt := convertToGemini(messages)
	config := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(systemPrompt)},
		}
	}
	if geminiTools := convertToolsToGemini(tools); len(geminiTools) > 0 {
		config.Tools = geminiTools
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"tools", len(tools),
		"system_len", len(systemPrompt),
	)

	resp, err := c.gen.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapGeminiError(err)
	}

	result, err := convertFromGemini(resp, model)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping verifies the API key with a minimal generation request.
func (c *GeminiClient) Ping(ctx context.Context) error {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText("ping")},
	}}
	if _, err := c.gen.GenerateContent(ctx, DefaultGeminiModel, contents, nil); err != nil {
		return wrapGeminiError(err)
	}
	return nil
}

// convertToGemini converts neutral messages to Gemini contents.
// System messages are collected into the system instruction. Tool
// results are merged: consecutive tool messages become FunctionResponse
// parts inside a single user-role content item, which is how Gemini
// expects a round of results to be threaded back.
func convertToGemini(messages []Message) ([]*genai.Content, string) {
	var systemParts []string
	var contents []*genai.Content
	var pendingResults []*genai.Part

	flushToolResults := func() {
		if len(pendingResults) > 0 {
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != "tool" {
			flushToolResults()
		}

		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant", "model":
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Function.Name,
						Args: tc.Function.Arguments,
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		case "tool":
			pendingResults = append(pendingResults, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: msg.ToolName,
					Response: map[string]any{
						"content": msg.Content,
					},
				},
			})

		default:
			// Anything that is not model-authored is presented as user
			// content; Gemini accepts only the user and model roles.
			if msg.Content == "" {
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
			})
		}
	}
	flushToolResults()

	var system string
	for i, s := range systemParts {
		if i > 0 {
			system += "\n\n"
		}
		system += s
	}
	return contents, system
}

// convertToolsToGemini converts shared-format tool definitions into one
// genai Tool of function declarations, reducing each parameter schema
// to the Gemini dialect before the typed conversion.
func convertToolsToGemini(tools []map[string]any) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)

		decl := &genai.FunctionDeclaration{
			Name:        name,
			Description: desc,
		}
		if params, ok := fn["parameters"].(map[string]any); ok {
			decl.Parameters = toGeminiSchema(schema.Normalize(params, schema.DialectGemini))
		}
		declarations = append(declarations, decl)
	}

	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a normalized JSON-schema map into the SDK's
// typed schema. Keys the reduced dialect does not define are ignored.
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		s.Type = toGeminiType(t)
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, v := range required {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}

	return s
}

// toGeminiType maps a JSON-schema type name to the SDK type.
func toGeminiType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// convertFromGemini converts a Gemini response to neutral form. Gemini
// may emit several parallel FunctionCall parts in one candidate; each
// becomes a ToolCall with a synthesized correlation ID, since the API
// does not assign one.
func convertFromGemini(resp *genai.GenerateContentResponse, model string) (*ChatResponse, error) {
	if len(resp.Candidates) == 0 {
		return nil, errors.New("gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, errors.New("gemini blocked the response on safety grounds")
	}

	var content string
	var toolCalls []ToolCall

	if candidate.Content != nil {
		for i, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				id := fmt.Sprintf("fc_%s_%d", part.FunctionCall.Name, i)
				toolCalls = append(toolCalls, NewToolCall(id, part.FunctionCall.Name, part.FunctionCall.Args))
			case part.Text != "":
				content += part.Text
			}
		}
	}

	result := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		StopReason: string(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// wrapGeminiError surfaces API error details when available.
func wrapGeminiError(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("gemini API error %d: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
