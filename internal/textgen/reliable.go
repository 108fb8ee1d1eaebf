package textgen

import (
	"context"
	"fmt"

	"trafficengine/internal/config"
	"trafficengine/internal/models"
	"trafficengine/pkg/logger"
)

// Reliable wraps an underlying Generator with the engine's bounded-retry,
// fallback-or-drop policy: at most cfg.TextGen.MaxRetries retries, then a
// templated fallback for non-comment kinds, or a dropped action (an
// ErrorKindContentRejected error) for comments.
type Reliable struct {
	inner  Generator
	cfg    *config.Config
	logger logger.Logger
}

func NewReliable(inner Generator, cfg *config.Config, log logger.Logger) *Reliable {
	return &Reliable{inner: inner, cfg: cfg, logger: log}
}

func (r *Reliable) Generate(ctx context.Context, kind Kind, info GenContext) (string, error) {
	limit := r.cfg.TextGen.CharLimits[string(kind)]

	var lastErr error
	attempts := r.cfg.TextGen.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		text, err := r.inner.Generate(ctx, kind, info)
		if err == nil && withinLimit(text, limit) {
			return text, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("generated text exceeded the %d character limit for kind %s", limit, kind)
		} else {
			lastErr = err
		}
		r.logger.Warn("text generation attempt failed",
			logger.Field{Key: "kind", Value: string(kind)},
			logger.Field{Key: "attempt", Value: attempt + 1},
			logger.Field{Key: "error", Value: lastErr.Error()},
		)
	}

	if fallback, ok := fallbackFor(kind, limit); ok {
		return fallback, nil
	}

	return "", models.NewContentRejectedError(fmt.Sprintf("text generation exhausted retries for kind %s: %v", kind, lastErr))
}

func withinLimit(text string, limit int) bool {
	if limit <= 0 {
		return true
	}
	return len([]rune(text)) <= limit
}
