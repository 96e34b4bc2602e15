package ai

import (
	"context"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragbox/internal/embedding"
)

type ProviderEntry struct {
	Name     string
	Provider embedding.Provider
}

type groupProvider struct {
	items []ProviderEntry
}

// NewGroupProvider chains providers so a permanently failing primary falls
// through to the next one. Per-call retry still happens above this layer.
func NewGroupProvider(items []ProviderEntry) embedding.Provider {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return items[0].Provider
	}
	return &groupProvider{items: items}
}

func (g *groupProvider) EmbedBatch(ctx context.Context, model string, texts []string, dims int) ([]embedding.EmbedItem, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Provider == nil {
			continue
		}
		res, err := item.Provider.EmbedBatch(ctx, model, texts, dims)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !embedding.IsRetryable(err) && ctx.Err() != nil {
			break
		}
		logutil.GetLogger(ctx).Warn("embed provider failed",
			zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	if lastErr == nil {
		return nil, ErrUnavailable
	}
	return nil, lastErr
}

func (g *groupProvider) Name() string {
	names := make([]string, 0, len(g.items))
	for _, item := range g.items {
		if item.Name == "" {
			continue
		}
		names = append(names, item.Name)
	}
	if len(names) == 0 {
		return "group"
	}
	return strings.Join(names, "|")
}
