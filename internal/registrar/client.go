// Package registrar implements the authenticated HTTP client used by the
// configuration controller and the registration manager to talk to the
// central registrar (spec §6 "Wire protocol to registrar").
package registrar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/resilience"
)

const defaultTimeout = 30 * time.Second

// breakerCooldown is the ThrottledError hint surfaced while the registrar
// circuit breaker is open, so callers route it through the same
// deferred-retry path as a server-signaled throttle (spec §4.8).
const breakerCooldown = 30 * time.Second

// Client is a thin authenticated HTTP client for the registrar's JSON/HTTP
// protocol (spec §6): every call posts a JSON body and gets back
// {status, data, message?}, with status 0 meaning success.
type Client struct {
	baseURL    string
	httpClient *http.Client
	platform   string
	version    string
	identity   Authenticator
	breaker    *resilience.CircuitBreaker
}

// Authenticator attaches device-identity credentials to an outgoing
// request (spec §4.8 "uses the registered identity for mutual
// authentication"). internal/registration.NewAuthenticator provides the
// implementation the daemon uses: it signs a short-lived bearer JWT per
// request with the registration manager's current identity.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	HTTPClient      *http.Client
	Platform        string
	PlatformVersion string
	Identity        Authenticator
	// InsecureSkipVerify is only ever set by tests against an httptest
	// server using a self-signed certificate.
	InsecureSkipVerify bool
}

// New creates a registrar Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registrar client: base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	} else if httpClient.Timeout == 0 {
		copied := *httpClient
		copied.Timeout = defaultTimeout
		httpClient = &copied
	}
	if cfg.InsecureSkipVerify {
		transport := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
		copied := *httpClient
		copied.Transport = transport
		httpClient = &copied
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		platform:   cfg.Platform,
		version:    cfg.PlatformVersion,
		identity:   cfg.Identity,
		breaker:    resilience.New(resilience.DefaultConfig()),
	}, nil
}

// Envelope is the registrar's response shape (spec §6 "JSON response
// {status: int, data: {...}, message?: str}").
type Envelope struct {
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`

	// ThrottledUntil signals throttling per spec §6 "throttling signaled
	// ... via a distinct exception class or a throttled_until field."
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
}

// ThrottledError is returned by Do when the registrar signals throttling
// instead of an ordinary failure (spec §4.8 "on throttling raise a
// deferred-exception with the throttledUntil hint").
type ThrottledError struct {
	Until time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("registrar: throttled until %s", e.Until.Format(time.RFC3339))
}

// StatusError wraps a non-zero registrar status with its message.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registrar: status %d: %s", e.Status, e.Message)
}

// Do posts body (marshaled as JSON, platform/platform_version merged in) to
// path and decodes the registrar envelope, returning its Data payload on
// success. Throttling and non-zero status both return typed errors so
// callers can route them to the recurring-timer backoff (spec §4.3, §4.8).
func (c *Client) Do(ctx context.Context, path string, body map[string]interface{}) (json.RawMessage, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["platform"] = c.platform
	body["platform_version"] = c.version

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal registrar request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("create registrar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.identity != nil {
		if err := c.identity.Authenticate(req); err != nil {
			return nil, fmt.Errorf("authenticate registrar request: %w", err)
		}
	}

	var resp *http.Response
	if breakerErr := c.breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = c.httpClient.Do(req)
		return doErr
	}); breakerErr != nil {
		if errors.Is(breakerErr, resilience.ErrCircuitOpen) || errors.Is(breakerErr, resilience.ErrTooManyRequests) {
			return nil, &ThrottledError{Until: time.Now().Add(breakerCooldown)}
		}
		return nil, fmt.Errorf("do registrar request: %w", breakerErr)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read registrar response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		until := time.Now().Add(time.Minute)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if secs, perr := time.ParseDuration(retryAfter + "s"); perr == nil {
				until = time.Now().Add(secs)
			}
		}
		return nil, &ThrottledError{Until: until}
	}

	var env Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("unmarshal registrar response: %w", err)
	}

	if env.ThrottledUntil != nil {
		return nil, &ThrottledError{Until: *env.ThrottledUntil}
	}
	if env.Status != 0 {
		return nil, &StatusError{Status: env.Status, Message: env.Message}
	}
	return env.Data, nil
}
