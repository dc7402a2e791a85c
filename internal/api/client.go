// Package api is the client for the remote study service.
//
// Every call carries the fixed client credential as a basic Authorization
// header and, once logged in, the user's bearer token as a query parameter.
// Failures are returned as *Error values carrying the HTTP status (0 when
// the server could not be reached); nothing is retried here, retry policy
// belongs to the caller.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the production service root.
	DefaultBaseURL = "https://www.skritter.com"

	// DefaultVersion is the API version the client speaks.
	DefaultVersion = 0

	// DefaultPageDelay is the wait between cursor pages.
	DefaultPageDelay = 500 * time.Millisecond

	// ItemsPerRequest is the cap on ids per GET items call.
	ItemsPerRequest = 20

	// ReviewsPerRequest is the cap on records per POST reviews call.
	ReviewsPerRequest = 100
)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, without the /api/v{N}/ suffix.
	BaseURL string
	// Version selects the /api/v{N}/ path.
	Version int
	// ClientID and ClientSecret form the basic credential sent on every call.
	ClientID     string
	ClientSecret string
	// HTTPClient performs the requests. Timeouts are configured on it.
	HTTPClient *http.Client
	// PageDelay is the wait between cursor pages.
	PageDelay time.Duration
	// Logger receives request diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		Version:    DefaultVersion,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		PageDelay:  DefaultPageDelay,
	}
}

// Client talks to the remote study service.
type Client struct {
	base        string
	version     int
	credentials string
	clientID    string
	http        *http.Client
	pageDelay   time.Duration
	logger      *zap.Logger

	mu    sync.RWMutex
	token *Token
}

// New creates a client from cfg. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.PageDelay == 0 {
		cfg.PageDelay = def.PageDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		base:        fmt.Sprintf("%s/api/v%d/", strings.TrimRight(cfg.BaseURL, "/"), cfg.Version),
		version:     cfg.Version,
		credentials: "basic " + base64.StdEncoding.EncodeToString([]byte(cfg.ClientID+":"+cfg.ClientSecret)),
		clientID:    cfg.ClientID,
		http:        cfg.HTTPClient,
		pageDelay:   cfg.PageDelay,
		logger:      cfg.Logger,
	}
}

// Token is the result of a password grant.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	UserID       string `json:"user_id"`
	ObtainedAt   int64  `json:"obtained_at,omitempty"`
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t *Token) Expired(now time.Time) bool {
	if t.ExpiresIn == 0 || t.ObtainedAt == 0 {
		return false
	}
	return now.Unix() >= t.ObtainedAt+t.ExpiresIn
}

// SetToken installs the token used for subsequent calls.
func (c *Client) SetToken(token *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current token, or nil before login.
func (c *Client) Token() *Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return ""
	}
	return c.token.AccessToken
}

// Authenticate exchanges a username and password for a token. The caller
// stores the token with SetToken.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*Token, error) {
	form := url.Values{
		"suppress_response_codes": {"true"},
		"grant_type":              {"password"},
		"client_id":               {c.clientID},
		"username":                {username},
		"password":                {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Op: "authenticate", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token Token
	if err := c.send(req, "authenticate", &token); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status != 0 {
			return nil, &AuthError{Err: apiErr}
		}
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, &AuthError{Err: &Error{Op: "authenticate", Status: http.StatusOK, Err: ErrMalformedResponse}}
	}
	token.ObtainedAt = time.Now().Unix()

	c.logger.Info("authenticated", zap.String("user_id", token.UserID))
	return &token, nil
}

// do performs a call against path relative to the versioned base and
// decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	op := method + " " + path
	token := c.bearer()
	if token == "" {
		return &Error{Op: op, Status: http.StatusUnauthorized, Err: ErrNotAuthenticated}
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("bearer_token", token)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path+"?"+query.Encode(), reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

// envelope holds the status fields the service embeds in every body.
type envelope struct {
	StatusCode       int    `json:"statusCode"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) send(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", c.credentials)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	c.logger.Debug("request complete",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)

	// With suppress_response_codes the real status lives in the body.
	var env envelope
	_ = json.Unmarshal(data, &env)
	status := resp.StatusCode
	if status < http.StatusBadRequest && env.StatusCode >= http.StatusBadRequest {
		status = env.StatusCode
	}

	if status >= http.StatusBadRequest {
		msg := env.Message
		if msg == "" {
			msg = env.ErrorDescription
		}
		if msg == "" {
			msg = env.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(http.StatusText(status))
		}
		return &Error{Op: op, Status: status, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Status: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return nil
}

// wait sleeps for the page delay or until ctx is done.
func (c *Client) wait(ctx context.Context) error {
	timer := time.NewTimer(c.pageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resourcePath is the server-relative path of a resource, as batch
// sub-requests name them.
func (c *Client) resourcePath(resource string) string {
	return fmt.Sprintf("api/v%d/%s", c.version, resource)
}

// PageDelay returns the configured wait between cursor pages.
func (c *Client) PageDelay() time.Duration {
	return c.pageDelay
}
