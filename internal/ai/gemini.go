package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/xxxsen/ragbox/internal/embedding"
)

type geminiConfig struct {
	APIKey   string `json:"api_key"`
	TaskType string `json:"task_type"`
}

type geminiProvider struct {
	apiKey   string
	taskType string
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) EmbedBatch(ctx context.Context, model string, texts []string, dims int) ([]embedding.EmbedItem, error) {
	if p.apiKey == "" {
		return nil, &embedding.ProviderError{Provider: "gemini", Retryable: false, Err: ErrUnavailable}
	}
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	config := &genai.EmbedContentConfig{}
	if p.taskType != "" {
		config.TaskType = p.taskType
	}
	if dims > 0 {
		d := int32(dims)
		config.OutputDimensionality = &d
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: text}}})
	}
	resp, err := client.Models.EmbedContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, &embedding.ProviderError{Provider: "gemini", Retryable: true,
			Err: fmt.Errorf("no embedding values returned")}
	}
	// The SDK answers in request order and carries no index field.
	items := make([]embedding.EmbedItem, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		items = append(items, embedding.EmbedItem{Index: i, Embedding: emb.Values})
	}
	return items, nil
}

func createGeminiFactory(args interface{}) (embedding.Provider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return &geminiProvider{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		taskType: strings.TrimSpace(cfg.TaskType),
	}, nil
}

func init() {
	Register("gemini", createGeminiFactory)
}
