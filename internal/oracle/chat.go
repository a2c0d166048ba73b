package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"impostor/internal/config"
	"impostor/internal/metrics"
)

// ProviderStats summarizes calls made to one provider.
type ProviderStats struct {
	Calls       int64 `json:"calls"`
	Successes   int64 `json:"successes"`
	RateLimited int64 `json:"rate_limited"`
	Failures    int64 `json:"failures"`
}

type provider struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	client      openai.Client
	limiter     *rate.Limiter
}

// Chat calls OpenAI-compatible chat completion endpoints, trying each
// configured provider in order until one answers.
type Chat struct {
	providers []*provider
	logger    *zap.Logger

	mu    sync.Mutex
	stats map[string]*ProviderStats
}

// ChatOption customizes a Chat client.
type ChatOption func(*chatOptions)

type chatOptions struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func WithHTTPClient(c *http.Client) ChatOption { return func(o *chatOptions) { o.httpClient = c } }

func WithLogger(l *zap.Logger) ChatOption { return func(o *chatOptions) { o.logger = l } }

// NewChat builds a provider chain from cfg. Providers without an API key are
// skipped; at least one must remain.
func NewChat(cfg config.OracleConfig, opts ...ChatOption) (*Chat, error) {
	o := chatOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Chat{logger: o.logger, stats: make(map[string]*ProviderStats)}
	for _, p := range cfg.Providers {
		key := p.APIKey()
		if key == "" {
			o.logger.Debug("skipping oracle provider without api key", zap.String("provider", p.Name))
			continue
		}
		reqOpts := []option.RequestOption{
			option.WithAPIKey(key),
			option.WithMaxRetries(0),
		}
		if p.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(p.BaseURL))
		}
		if o.httpClient != nil {
			reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
		}
		c.providers = append(c.providers, &provider{
			name:        p.Name,
			model:       p.Model,
			maxTokens:   p.MaxTokens,
			temperature: p.Temperature,
			client:      openai.NewClient(reqOpts...),
			limiter:     rate.NewLimiter(limit, burst),
		})
		c.stats[p.Name] = &ProviderStats{}
	}
	if len(c.providers) == 0 {
		return nil, fmt.Errorf("oracle chat: %w: set an api key for one of the configured providers", ErrNoProvider)
	}
	return c, nil
}

// Decide sends req to the first provider that answers. Throttled or failing
// providers are skipped in favor of the next one. The last provider waits on
// its local limiter instead of being skipped.
func (c *Chat) Decide(ctx context.Context, req Request) (string, error) {
	msgs := toParams(Messages(req))
	var errs []error
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i < len(c.providers)-1 && !p.limiter.Allow() {
			c.record(p.name, "throttled")
			c.logger.Debug("oracle provider throttled locally", zap.String("provider", p.name))
			errs = append(errs, fmt.Errorf("%s: local rate limit", p.name))
			continue
		}
		if i == len(c.providers)-1 {
			if err := p.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limiter: %w", err)
			}
		}
		text, err := c.call(ctx, p, msgs)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("oracle provider failed",
			zap.String("provider", p.name),
			zap.String("game_id", req.GameID),
			zap.String("agent_id", req.Self.ID),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
	}
	return "", fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
}

func (c *Chat) call(ctx context.Context, p *provider, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: msgs,
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.maxTokens))
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			c.record(p.name, "rate_limited")
			return "", fmt.Errorf("rate limited: %w", err)
		}
		c.record(p.name, "error")
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		c.record(p.name, "error")
		return "", errors.New("empty completion")
	}
	c.record(p.name, "success")
	return resp.Choices[0].Message.Content, nil
}

func (c *Chat) record(name, result string) {
	metrics.OracleCalls.WithLabelValues(name, result).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[name]
	if result == "throttled" {
		s.RateLimited++
		return
	}
	s.Calls++
	switch result {
	case "success":
		s.Successes++
	case "rate_limited":
		s.RateLimited++
	default:
		s.Failures++
	}
}

// Stats returns a copy of the per-provider counters.
func (c *Chat) Stats() map[string]ProviderStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ProviderStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

// Providers lists the active provider names in fallback order.
func (c *Chat) Providers() []string {
	out := make([]string, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.name
	}
	return out
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
