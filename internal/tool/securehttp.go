package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/leadflow-ai/leadflow/internal/security"
	"github.com/leadflow-ai/leadflow/internal/types"
)

const (
	// userAgent identifies outbound crawler traffic.
	userAgent = "LeadflowBot/1.0 (+https://leadflow.ai/bot)"

	// defaultMaxBodyBytes caps response bodies unless a tool raises it.
	defaultMaxBodyBytes = 1 << 20 // 1 MiB

	// hardMaxBodyBytes is the ceiling no tool config can exceed.
	hardMaxBodyBytes = 10 << 20 // 10 MiB

	maxRedirects = 5
	maxAttempts  = 3
)

// Request describes one outbound HTTP call made on behalf of a tool.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// AuthTokenEnv names an environment variable holding a bearer token.
	// Tool configs reference tokens indirectly so workflow definitions
	// never contain credentials.
	AuthTokenEnv string

	// AllowedDomains restricts which hosts the request may reach. Empty
	// means any host that passes SSRF validation.
	AllowedDomains []string

	// MaxBodyBytes overrides the default response cap, up to the hard
	// ceiling.
	MaxBodyBytes int64

	Timeout time.Duration
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
	Attempts   int
}

// SecureClient issues outbound HTTP requests with SSRF validation on
// every hop, body size caps, rate limiting, and retries for idempotent
// methods.
type SecureClient struct {
	validator *security.URLValidator
	limiter   *rate.Limiter
	logger    *slog.Logger
	transport http.RoundTripper
	sleep     func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a SecureClient.
type ClientOption func(*SecureClient)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *SecureClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithURLValidator overrides the SSRF validator, mainly for tests.
func WithURLValidator(v *security.URLValidator) ClientOption {
	return func(c *SecureClient) {
		if v != nil {
			c.validator = v
		}
	}
}

// WithRateLimit caps outbound requests per second across the client.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *SecureClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTransport overrides the underlying round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *SecureClient) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// NewSecureClient builds a client with SSRF validation enabled.
func NewSecureClient(opts ...ClientOption) *SecureClient {
	c := &SecureClient{
		validator: security.NewURLValidator(),
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		logger:    slog.Default(),
		transport: http.DefaultTransport,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request. GET and HEAD are retried on transport errors
// and 5xx responses with exponential backoff; other methods get a single
// attempt.
func (c *SecureClient) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)

	if err := c.checkURL(ctx, req.URL, req.AllowedDomains); err != nil {
		return nil, err
	}

	maxBody := req.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	if maxBody > hardMaxBodyBytes {
		maxBody = hardMaxBodyBytes
	}

	attempts := 1
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts = maxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			c.logger.DebugContext(ctx, "retrying http request",
				"url", req.URL,
				"attempt", attempt+1,
				"backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, types.WrapError(types.TOOL_EXECUTION_FAILED, "request cancelled during backoff", err)
			}
		}

		resp, err := c.doOnce(ctx, req, maxBody)
		if err != nil {
			lastErr = err
			// URL_BLOCKED is never retried: a blocked redirect target
			// stays blocked.
			if lfErr, ok := err.(*types.LeadflowError); ok && lfErr.Code == types.URL_BLOCKED {
				return nil, err
			}
			continue
		}
		if resp.StatusCode >= 500 && attempt < attempts-1 {
			lastErr = types.NewRetryableError(types.TOOL_EXECUTION_FAILED,
				fmt.Sprintf("server returned %d", resp.StatusCode))
			continue
		}
		resp.Attempts = attempt + 1
		return resp, nil
	}
	return nil, lastErr
}

func (c *SecureClient) doOnce(ctx context.Context, req Request, maxBody int64) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, types.WrapError(types.TOOL_EXECUTION_FAILED, "rate limit wait cancelled", err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, types.WrapError(types.TOOL_EXECUTION_FAILED, "building request failed", err)
	}

	httpReq.Header.Set("User-Agent", userAgent)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.AuthTokenEnv != "" {
		if token := os.Getenv(req.AuthTokenEnv); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := &http.Client{
		Transport: c.transport,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return types.NewError(types.TOOL_EXECUTION_FAILED, "too many redirects")
			}
			// Every redirect hop is re-validated so a trusted host
			// cannot bounce us into internal address space.
			return c.checkURL(next.Context(), next.URL.String(), req.AllowedDomains)
		},
	}

	c.logger.DebugContext(ctx, "outbound http request",
		"method", req.Method,
		"url", req.URL,
		"headers", security.RedactHeaders(httpReq.Header))

	resp, err := client.Do(httpReq)
	if err != nil {
		// Unwrap redirect policy errors back to our own types.
		if lfErr := unwrapLeadflowError(err); lfErr != nil {
			return nil, lfErr
		}
		return nil, types.WrapRetryableError(types.TOOL_EXECUTION_FAILED, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxBody {
		return nil, types.NewError(types.TOOL_EXECUTION_FAILED,
			fmt.Sprintf("response too large: %d bytes (limit %d)", resp.ContentLength, maxBody))
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, types.WrapRetryableError(types.TOOL_EXECUTION_FAILED, "reading response failed", err)
	}
	if int64(len(buf)) > maxBody {
		return nil, types.NewError(types.TOOL_EXECUTION_FAILED,
			fmt.Sprintf("response exceeded %d byte limit", maxBody))
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       buf,
		FinalURL:   finalURL,
	}, nil
}

func (c *SecureClient) checkURL(ctx context.Context, rawURL string, allowedDomains []string) error {
	check := c.validator.ValidateURL(ctx, rawURL)
	if !check.Valid {
		return types.WrapError(types.URL_BLOCKED, fmt.Sprintf("url blocked: %s", rawURL), check.Err)
	}
	if len(allowedDomains) > 0 && !security.HostAllowed(check.Hostname, allowedDomains) {
		return types.NewError(types.URL_BLOCKED,
			fmt.Sprintf("host %s is outside the allowed domains", check.Hostname))
	}
	return nil
}

// unwrapLeadflowError digs a LeadflowError out of url.Error wrapping, if any.
func unwrapLeadflowError(err error) *types.LeadflowError {
	for err != nil {
		if lfErr, ok := err.(*types.LeadflowError); ok {
			return lfErr
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = unwrapper.Unwrap()
	}
	return nil
}
