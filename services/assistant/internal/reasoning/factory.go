package reasoning

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/fintrack/services/assistant/internal/config"
)

// NewModel builds the backend named by cfg.Provider. A missing credential
// yields ErrMissingCredential.
func NewModel(ctx context.Context, cfg config.LLMConfig) (Model, error) {
	switch cfg.Provider {
	case "groq", "openai":
		m, err := NewOpenAIModel(cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "gemini":
		m, err := NewGeminiModel(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported reasoning provider %q", cfg.Provider)
	}
}
