package builtins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/tool"
)

// aiGenerateTool produces text from a prompt. Without OPENAI_API_KEY in
// the environment it returns a deterministic mock completion so tests
// and local runs never depend on the network.
func aiGenerateTool() tool.Definition {
	s := schema.Object(map[string]schema.Field{
		"prompt":      schema.String("generation prompt"),
		"model":       schema.String("model identifier").WithDefault("gpt-4o-mini"),
		"maxTokens":   schema.Number("completion token limit").WithDefault(float64(512)),
		"temperature": schema.Number("sampling temperature"),
	}, "prompt")

	return tool.Definition{
		Type:         "ai_generate",
		Description:  "Generates text with a language model",
		ConfigSchema: &s,
		Run: func(ctx context.Context, inv tool.Invocation) tool.Result {
			prompt, _ := inv.Config["prompt"].(string)
			model, _ := inv.Config["model"].(string)

			apiKey := os.Getenv("OPENAI_API_KEY")
			if apiKey == "" {
				return mockCompletion(prompt, model)
			}

			maxTokens, _ := inv.Config["maxTokens"].(float64)
			temperature, _ := inv.Config["temperature"].(float64)

			client := openai.NewClient(apiKey)
			resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       model,
				MaxTokens:   int(maxTokens),
				Temperature: float32(temperature),
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: prompt},
				},
			})
			if err != nil {
				return tool.Failure(fmt.Sprintf("completion request failed: %v", err))
			}
			if len(resp.Choices) == 0 {
				return tool.Failure("completion returned no choices")
			}

			return tool.Succeed(map[string]any{
				"text":  resp.Choices[0].Message.Content,
				"model": resp.Model,
				"usage": map[string]any{
					"promptTokens":     resp.Usage.PromptTokens,
					"completionTokens": resp.Usage.CompletionTokens,
				},
			})
		},
	}
}

// mockCompletion derives a stable pseudo-completion from the prompt so
// repeated runs produce identical workflow data.
func mockCompletion(prompt, model string) tool.Result {
	sum := sha256.Sum256([]byte(prompt))
	result := tool.Succeed(map[string]any{
		"text":  fmt.Sprintf("[mock completion %s]", hex.EncodeToString(sum[:8])),
		"model": model,
	})
	result.Metadata.Mocked = true
	return result
}
