// Package negotiate talks to the trusted issuer that hands out short-lived
// socket credentials. One negotiation round-trip happens per connection
// attempt; the resulting session is never reused.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Session is the issuer's answer: everything needed to build the transport
// URL for one connection attempt.
type Session struct {
	AccessToken     string `json:"accessToken"`
	ServiceEndpoint string `json:"serviceEndpoint"`
	HubName         string `json:"hubName"`
}

// SocketURL builds the transport URL: secure-socket endpoint + hub path +
// access token as a query parameter.
func (s *Session) SocketURL() (string, error) {
	u, err := url.Parse(s.ServiceEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse service endpoint: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	u.Path, err = url.JoinPath(u.Path, s.HubName)
	if err != nil {
		return "", fmt.Errorf("join hub path: %w", err)
	}

	q := u.Query()
	q.Set("access_token", s.AccessToken)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// APIError represents an error response from the issuer.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("negotiate error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the failure is worth another attempt. Client
// errors such as rejected credentials are fatal.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client negotiates sessions with the issuer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a negotiation client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Negotiate requests a session for the given identity.
func (c *Client) Negotiate(ctx context.Context, identity string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"identity": identity})
	if err != nil {
		return nil, fmt.Errorf("marshal negotiate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/negotiate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	var sess Session
	if err := json.Unmarshal(respBody, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	if sess.AccessToken == "" || sess.ServiceEndpoint == "" || sess.HubName == "" {
		return nil, fmt.Errorf("incomplete session from issuer: %+v", redact(sess))
	}

	c.logger.Debug("negotiated session",
		"endpoint", sess.ServiceEndpoint,
		"hub", sess.HubName,
	)

	return &sess, nil
}

// redact blanks the token for log/error output.
func redact(s Session) Session {
	if s.AccessToken != "" {
		s.AccessToken = "<redacted>"
	}
	return s
}
