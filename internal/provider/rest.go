package provider

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/intentmail/intentmail/internal/mailerr"
)

const (
	restMaxRetries = 6
	restMaxBackoff = 120 * time.Second
	restTimeout    = 30 * time.Second
)

// RESTClient is the shared HTTP transport for the REST-based adapters.
// It layers rate limiting, retry with full-jitter backoff, and taxonomy
// translation over an oauth2-authenticated http.Client.
type RESTClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger

	// translate maps a non-2xx response to a taxonomy error. Statuses it
	// returns nil for fall through to TranslateHTTPStatus.
	translate func(status int, body []byte) error
}

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithRESTLogger sets the logger.
func WithRESTLogger(logger *slog.Logger) RESTOption {
	return func(r *RESTClient) { r.logger = logger }
}

// WithQPS overrides the request budget (default 5 req/s).
func WithQPS(qps float64) RESTOption {
	return func(r *RESTClient) {
		if qps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(qps), int(qps)*2+1)
		}
	}
}

// WithTranslator installs a provider-specific status translator.
func WithTranslator(fn func(status int, body []byte) error) RESTOption {
	return func(r *RESTClient) { r.translate = fn }
}

// NewRESTClient builds a transport rooted at baseURL, authenticated by ts.
func NewRESTClient(baseURL string, ts oauth2.TokenSource, opts ...RESTOption) *RESTClient {
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = restTimeout

	r := &RESTClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(5), 11),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do performs one request with retries. Transient and rate-limit failures
// are retried with full-jitter backoff; everything else is translated and
// returned immediately. The URL is baseURL+path unless path is absolute.
func (r *RESTClient) Do(ctx context.Context, method, path string, bodyBytes []byte) ([]byte, error) {
	reqURL := path
	if len(path) == 0 || path[0] == '/' {
		reqURL = r.baseURL + path
	}

	var lastErr error
	for attempt := 0; attempt <= restMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := fullJitterBackoff(attempt)
			r.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "url", reqURL)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindPermanent, err, "create request")
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = mailerr.Wrap(mailerr.KindTransient, err, "http request")
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = mailerr.Wrap(mailerr.KindTransient, err, "read response")
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		var terr error
		if r.translate != nil {
			terr = r.translate(resp.StatusCode, respBody)
		}
		if terr == nil {
			terr = TranslateHTTPStatus(resp.StatusCode, string(respBody))
		}
		if !mailerr.Retryable(terr) {
			return nil, terr
		}
		lastErr = terr
	}
	return nil, mailerr.Trace(lastErr, "max retries exceeded")
}

// Get is shorthand for a body-less GET.
func (r *RESTClient) Get(ctx context.Context, path string) ([]byte, error) {
	return r.Do(ctx, http.MethodGet, path, nil)
}

// Post is shorthand for a JSON POST.
func (r *RESTClient) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return r.Do(ctx, http.MethodPost, path, body)
}

// fullJitterBackoff returns a random duration in [0, 2^attempt seconds),
// capped at restMaxBackoff.
func fullJitterBackoff(attempt int) time.Duration {
	base := time.Duration(uint(1)<<uint(attempt)) * time.Second
	if base > restMaxBackoff {
		base = restMaxBackoff
	}
	return time.Duration(rand.Float64() * float64(base))
}
