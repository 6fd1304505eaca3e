package oracle

import (
	"golang.org/x/time/rate"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
)

// Factory builds a fresh Oracle for one request credential.
type Factory func(apiKey string) (Oracle, error)

// ClientConfig configures NewOpenAIFactory.
type ClientConfig struct {
	BaseURL        string
	Organization   string
	ResponseFormat ResponseFormat
	Retry          RetryPolicy
	// RequestsPerSecond caps calls across every client built by the factory.
	// Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// NewOpenAIFactory returns a Factory producing decorated OpenAI clients.
// Each call yields an independent client; only the rate limiter is shared.
func NewOpenAIFactory(cfg ClientConfig, logger logging.Logger) Factory {
	if logger == nil {
		logger = logging.Nop()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	log := logger.Bind("provider", ProviderOpenAI)

	return func(apiKey string) (Oracle, error) {
		client, err := NewOpenAIClient(OpenAIConfig{
			APIKey:         apiKey,
			BaseURL:        cfg.BaseURL,
			Organization:   cfg.Organization,
			ResponseFormat: cfg.ResponseFormat,
		})
		if err != nil {
			return nil, err
		}
		var o Oracle = client
		o = WithRateLimit(o, limiter)
		o = WithMetrics(o, ProviderOpenAI, log)
		o = WithRetry(o, cfg.Retry, ProviderOpenAI, log)
		return o, nil
	}
}

// Static returns a Factory that ignores the credential and always yields o.
// Used for tests and for wiring scripted oracles into the surfaces.
func Static(o Oracle) Factory {
	return func(string) (Oracle, error) { return o, nil }
}
