package native

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// Default model per provider when neither the request nor config names one.
var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
}

// ModelFactory creates a chat model by name.
type ModelFactory func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error)

// ProviderFactory returns a ModelFactory for the configured provider.
func ProviderFactory(cfg types.NativeConfig, providers map[string]types.ProviderConfig) ModelFactory {
	return func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
		pc := providers[cfg.Provider]
		if modelName == "" {
			modelName = cfg.Model
		}
		if modelName == "" {
			modelName = pc.Model
		}
		if modelName == "" {
			modelName = defaultModels[cfg.Provider]
		}
		maxTokens := cfg.MaxTokens
		if maxTokens == 0 {
			maxTokens = 8192
		}
		return newChatModel(ctx, cfg.Provider, pc, modelName, maxTokens)
	}
}

func newChatModel(ctx context.Context, provider string, pc types.ProviderConfig, modelName string, maxTokens int) (model.ToolCallingChatModel, error) {
	switch provider {
	case "anthropic":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		cfg := &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			MaxTokens: maxTokens,
		}
		if pc.BaseURL != "" {
			cfg.BaseURL = &pc.BaseURL
		}
		cm, err := claude.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return cm, nil

	case "openai":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("OPENAI_API_KEY"))
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		cfg := &openai.ChatModelConfig{
			APIKey:              apiKey,
			Model:               modelName,
			MaxCompletionTokens: &maxTokens,
			BaseURL:             pc.BaseURL,
		}
		cm, err := openai.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return cm, nil

	case "ark":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("ARK_API_KEY"))
		if apiKey == "" {
			return nil, fmt.Errorf("ARK_API_KEY not set")
		}
		if modelName == "" {
			return nil, fmt.Errorf("ark requires a model (endpoint) id")
		}
		cfg := &ark.ChatModelConfig{
			APIKey:    apiKey,
			Model:     modelName,
			MaxTokens: &maxTokens,
			BaseURL:   pc.BaseURL,
		}
		cm, err := ark.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create ARK model: %w", err)
		}
		return cm, nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
