package airouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/models"
)

// FailureClass separates retry-same-model failures from advance-to-fallback
// failures.
type FailureClass int

const (
	FailureNone FailureClass = iota
	// FailureTransient covers network errors, 5xx and 429; the same model is
	// retried with backoff.
	FailureTransient
	// FailurePermanent covers other 4xx and content-policy rejections; the
	// router advances to the next fallback model.
	FailurePermanent
)

// ProviderError carries the failure class alongside the cause.
type ProviderError struct {
	Class FailureClass
	Kind  models.ErrorKind
	Err   error
}

func (e *ProviderError) Error() string { return e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Provider invokes one upstream model API.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, model Model, prompt string) (text string, usage Usage, err error)
}

// completionRequest is the wire shape sent to HTTP providers.
type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// HTTPProvider calls a completion endpoint over HTTP. Credentials are passed
// at construction; whether they are tenant-scoped or platform-wide is a
// deployment decision made by the caller.
type HTTPProvider struct {
	name   string
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPProvider builds a provider client for the given base URL.
func NewHTTPProvider(name, baseURL, apiKey string, logger *zap.Logger) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &HTTPProvider{
		name:   name,
		client: client,
		logger: logger.With(zap.String("component", "ai-provider"), zap.String("provider", name)),
	}
}

// Name returns the provider identifier used in routing decisions.
func (p *HTTPProvider) Name() string { return p.name }

// Invoke posts the prompt to the provider's completion endpoint and classifies
// failures for the router's retry/fallback machinery.
func (p *HTTPProvider) Invoke(ctx context.Context, model Model, prompt string) (string, Usage, error) {
	var out completionResponse
	start := time.Now()
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(completionRequest{Model: model.ID, Prompt: prompt}).
		SetResult(&out).
		Post("/v1/completions")
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, &ProviderError{
				Class: FailurePermanent,
				Kind:  models.KindTimeout,
				Err:   fmt.Errorf("provider %s call cancelled: %w", p.name, ctx.Err()),
			}
		}
		return "", Usage{}, &ProviderError{
			Class: FailureTransient,
			Kind:  models.KindProviderUnavailable,
			Err:   fmt.Errorf("provider %s unreachable: %w", p.name, err),
		}
	}

	p.logger.Debug("provider call finished",
		zap.String("model_id", model.ID),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("latency", time.Since(start)),
	)

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return out.Text, out.Usage, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return "", Usage{}, &ProviderError{
			Class: FailureTransient,
			Kind:  models.KindProviderUnavailable,
			Err:   fmt.Errorf("provider %s returned status %d", p.name, code),
		}
	case code == http.StatusUnprocessableEntity || code == http.StatusForbidden:
		return "", Usage{}, &ProviderError{
			Class: FailurePermanent,
			Kind:  models.KindContentPolicy,
			Err:   fmt.Errorf("provider %s rejected the request with status %d", p.name, code),
		}
	default:
		return "", Usage{}, &ProviderError{
			Class: FailurePermanent,
			Kind:  models.KindProviderUnavailable,
			Err:   fmt.Errorf("provider %s returned status %d", p.name, code),
		}
	}
}

// classify normalizes any provider error into a failure class.
func classify(err error) (FailureClass, models.ErrorKind) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class, pe.Kind
	}
	return FailureTransient, models.KindProviderUnavailable
}
