package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nugget/tally/internal/httpkit"
)

// GeminiClient is a client for the Google Gemini API via the genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// GeminiOption customizes a GeminiClient.
type GeminiOption func(*genai.ClientConfig)

// WithGeminiBaseURL points the client at a different API host.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(cc *genai.ClientConfig) { cc.HTTPOptions.BaseURL = url }
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger, opts ...GeminiOption) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewEngineClient(httpkit.EngineHeaderTimeout),
	}
	for _, o := range opts {
		o(cc)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger.With("provider", "gemini")}, nil
}

// Chat sends a generateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	system, contents := toGeminiContents(messages)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             toGeminiTools(tools),
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"tools", len(tools),
	)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, geminiError(err)
	}

	out := fromGeminiResponse(resp)
	if out.Model == "" {
		out.Model = model
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// Ping lists a single model to verify the key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return geminiError(err)
	}
	return nil
}

// geminiError maps SDK errors to *APIError so retry classification
// works the same for every provider.
func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return fmt.Errorf("gemini request: %w", err)
}

func toGeminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var (
		systemParts []string
		contents    []*genai.Content
		names       = make(map[string]string) // tool call id → tool name
	)

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)

		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))

		case RoleAssistant:
			content := &genai.Content{Role: string(genai.RoleModel)}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Function.Name
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}

		case RoleTool:
			name := m.ToolName
			if name == "" {
				name = names[m.ToolCallID]
			}
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil || response == nil {
				response = map[string]any{"result": m.Content}
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     name,
				Response: response,
			}}

			// All responses to one model turn go back in a single content.
			if n := len(contents); n > 0 && isFunctionResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{part}})
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}}}
	}
	return system, contents
}

func isFunctionResponses(c *genai.Content) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func toGeminiTools(tools []map[string]any) []*genai.Tool {
	var decls []*genai.FunctionDeclaration
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          desc,
			ParametersJsonSchema: fn["parameters"],
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) *ChatResponse {
	out := &ChatResponse{
		Model:    resp.ModelVersion,
		Provider: "gemini",
		Message:  Message{Role: RoleAssistant},
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID: part.FunctionCall.ID,
				Function: ToolFunction{
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				},
			})
		case part.Thought:
			// Reasoning summaries are not part of the reply.
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}
	out.Message.Content = text.String()
	return out
}
