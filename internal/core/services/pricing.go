package services

import (
	"github.com/elev8tion/agentdesk/internal/core/domain"
)

// ModelPricing holds per-million-token rates in micro-dollars.
type ModelPricing struct {
	PromptPerMillion     domain.MicroUSD
	CompletionPerMillion domain.MicroUSD
}

// OpenAI pricing as of January 2025.
var modelPricing = map[string]ModelPricing{
	"gpt-4o":      {PromptPerMillion: 2_500_000, CompletionPerMillion: 10_000_000},
	"gpt-4o-mini": {PromptPerMillion: 150_000, CompletionPerMillion: 600_000},
	"gpt-4-turbo": {PromptPerMillion: 10_000_000, CompletionPerMillion: 30_000_000},
}

const (
	// Per-call rates.
	webSearchCost  domain.MicroUSD = 5_000 // $0.005
	fileSearchCost domain.MicroUSD = 1_000 // $0.001

	// Unknown models are billed at gpt-4o rates.
	defaultModel = "gpt-4o"
)

// ChatCost prices a chat completion. Unknown models fall back to the
// default model's rates rather than going unbilled.
func ChatCost(model string, promptTokens, completionTokens int64) domain.MicroUSD {
	p, ok := modelPricing[model]
	if !ok {
		p = modelPricing[defaultModel]
	}
	prompt := domain.MicroUSD(promptTokens) * p.PromptPerMillion / 1_000_000
	completion := domain.MicroUSD(completionTokens) * p.CompletionPerMillion / 1_000_000
	return prompt + completion
}

// SearchCost prices tool-call usage reported alongside a completion.
func SearchCost(webSearchCalls, fileSearchCalls int64) domain.MicroUSD {
	return domain.MicroUSD(webSearchCalls)*webSearchCost + domain.MicroUSD(fileSearchCalls)*fileSearchCost
}

// KnownModel reports whether an exact pricing entry exists for model.
func KnownModel(model string) bool {
	_, ok := modelPricing[model]
	return ok
}
