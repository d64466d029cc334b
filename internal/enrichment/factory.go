// Package enrichment selects the batch AI integration.
package enrichment

import (
	"fmt"

	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/internal/enrichment/anthropic"
	"github.com/kiranshivaraju/carscope/internal/enrichment/mock"
	"github.com/kiranshivaraju/carscope/internal/enrichment/openai"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// NewService constructs the enrichment service named by cfg.Provider.
// Called once at server startup.
func NewService(cfg config.EnrichmentConfig) (models.EnrichmentService, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.HTTPTimeout, cfg.MaxRetryElapsed), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic, cfg.HTTPTimeout, cfg.MaxRetryElapsed), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown enrichment provider %q: must be one of openai, anthropic, mock", cfg.Provider)
	}
}
