// Package api is the request/response client for the chat backend: session
// bootstrap, paginated history and the conversation/message mutations.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

const (
	bootstrapPath     = "/chat/session"
	conversationsPath = "/chat/users/{userId}/conversations"
	messagesPath      = "/chat/conversations/{conversationId}/messages"
	conversationPath  = "/chat/conversations/{conversationId}"
	createPath        = "/chat/conversations"
	messagePath       = "/chat/messages/{messageId}"

	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "fieldchat"
)

// Config holds the REST client settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Tokens supplies the bearer token; nil sends unauthenticated requests.
	Tokens oauth2.TokenSource
	// Transport overrides the base round tripper, mostly for tests.
	Transport http.RoundTripper
}

// Error is a non-2xx response from the backend.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the chat REST endpoints.
type Client struct {
	http    *resty.Client
	baseURL string
}

// NewClient creates a new API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	var rt http.RoundTripper = &agentTransport{userAgent: cfg.UserAgent, inner: base}
	if cfg.Tokens != nil {
		rt = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, cfg.Tokens), Base: rt}
	}

	hc := &http.Client{Timeout: cfg.Timeout, Transport: rt}
	rc := resty.NewWithClient(hc).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")

	return &Client{http: rc, baseURL: cfg.BaseURL}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchBootstrap retrieves the broker endpoint and destination templates.
func (c *Client) FetchBootstrap(ctx context.Context) (*model.SessionInfo, error) {
	var info model.SessionInfo
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&info).
		Get(bootstrapPath)
	if err := checkResponse(resp, err, http.MethodGet, bootstrapPath); err != nil {
		return nil, err
	}
	if info.ServerHost == "" || info.ServerPort <= 0 {
		return nil, fmt.Errorf("bootstrap response missing server endpoint")
	}

	logger.DebugCF("api", "Bootstrap fetched", map[string]any{
		"host": info.ServerHost,
		"port": info.ServerPort,
	})
	return &info, nil
}

// ConversationsPage loads one page of the user's conversations.
func (c *Client) ConversationsPage(
	ctx context.Context,
	userID int64,
	key model.PageKey,
) (*model.Page[model.Conversation], error) {
	return getPage[model.Conversation](ctx, c, conversationsPath, "userId", userID, key)
}

// MessagesPage loads one page of a conversation's messages.
func (c *Client) MessagesPage(
	ctx context.Context,
	conversationID int64,
	key model.PageKey,
) (*model.Page[model.Message], error) {
	return getPage[model.Message](ctx, c, messagesPath, "conversationId", conversationID, key)
}

func getPage[T any](
	ctx context.Context,
	c *Client,
	path, param string,
	id int64,
	key model.PageKey,
) (*model.Page[T], error) {
	var page model.Page[T]
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam(param, strconv.FormatInt(id, 10)).
		SetQueryParams(map[string]string{
			"pageNumber": strconv.Itoa(key.PageNumber),
			"pageSize":   strconv.Itoa(key.PageSize),
		}).
		ForceContentType("application/json").
		SetResult(&page).
		Get(path)
	if err := checkResponse(resp, err, http.MethodGet, path); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateConversation opens a new conversation with an expert.
func (c *Client) CreateConversation(ctx context.Context, req model.NewConversation) (*model.Conversation, error) {
	var conv model.Conversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		ForceContentType("application/json").
		SetResult(&conv).
		Post(createPath)
	if err := checkResponse(resp, err, http.MethodPost, createPath); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("conversationId", strconv.FormatInt(conversationID, 10)).
		Delete(conversationPath)
	return checkResponse(resp, err, http.MethodDelete, conversationPath)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("messageId", strconv.FormatInt(messageID, 10)).
		Delete(messagePath)
	return checkResponse(resp, err, http.MethodDelete, messagePath)
}

func checkResponse(resp *resty.Response, err error, method, path string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Body:       resp.String(),
		}
	}
	return nil
}

// agentTransport stamps every request with the client's User-Agent.
type agentTransport struct {
	userAgent string
	inner     http.RoundTripper
}

func (t *agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid mutating the original
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", t.userAgent)
	return t.inner.RoundTrip(out)
}
