package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/stream"
)

const (
	DefaultBaseURL  = "http://localhost:8080"
	DefaultBasePath = "/api"
	DefaultTimeout  = 30 * time.Second
)

// HTTPClient implements Gateway over HTTP
type HTTPClient struct {
	baseURL    string
	basePath   string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

var _ Gateway = (*HTTPClient)(nil)

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithBasePath sets the path prefix of every endpoint (default "/api")
func WithBasePath(path string) Option {
	return func(c *HTTPClient) {
		c.basePath = "/" + strings.Trim(path, "/")
		if c.basePath == "/" {
			c.basePath = ""
		}
	}
}

// WithModel sets the model requested for every send
func WithModel(model string) Option {
	return func(c *HTTPClient) { c.model = model }
}

// WithTimeout bounds non-streaming requests. Streams are bounded only by
// the caller's context.
func WithTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) { c.timeout = timeout }
}

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient creates a client for the chat server at baseURL
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		basePath:   DefaultBasePath,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL including the API base path
func (c *HTTPClient) BaseURL() string {
	return c.baseURL + c.basePath
}

// request describes one call to the server
type request struct {
	op     string
	id     string
	method string
	path   string
	body   interface{}
	accept string
}

type createChatRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type renameChatRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	UserMessageID string `json:"userMessageId"`
	Content       string `json:"content"`
	Model         string `json:"model,omitempty"`
}

// apiError is the error body written by the server
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ListSessions returns all chats known to the server
func (c *HTTPClient) ListSessions(ctx context.Context) ([]internal.ChatSummary, error) {
	var chats []internal.ChatSummary
	err := c.call(ctx, request{op: "list chats", method: http.MethodGet, path: "/chats"}, &chats)
	if err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []internal.ChatSummary{}
	}
	return chats, nil
}

// GetSession returns a chat with its messages
func (c *HTTPClient) GetSession(ctx context.Context, id string) (*internal.ChatRecord, error) {
	var chat internal.ChatRecord
	err := c.call(ctx, request{op: "get chat", id: id, method: http.MethodGet, path: chatPath(id)}, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// CreateSession creates a chat with a caller-supplied id
func (c *HTTPClient) CreateSession(ctx context.Context, id, title string) (*internal.ChatRecord, error) {
	var chat internal.ChatRecord
	req := request{
		op:     "create chat",
		id:     id,
		method: http.MethodPost,
		path:   "/chats",
		body:   createChatRequest{ID: id, Title: title},
	}
	if err := c.call(ctx, req, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// RenameSession changes the title of a chat
func (c *HTTPClient) RenameSession(ctx context.Context, id, title string) error {
	req := request{
		op:     "rename chat",
		id:     id,
		method: http.MethodPut,
		path:   chatPath(id),
		body:   renameChatRequest{Title: title},
	}
	return c.call(ctx, req, nil)
}

// DeleteSession deletes a chat and its messages
func (c *HTTPClient) DeleteSession(ctx context.Context, id string) error {
	return c.call(ctx, request{op: "delete chat", id: id, method: http.MethodDelete, path: chatPath(id)}, nil)
}

// SendAndStream posts a user message and consumes the event stream of the reply
func (c *HTTPClient) SendAndStream(ctx context.Context, sessionID, userMessageID, content string, sink stream.Sink) (internal.Message, error) {
	req := request{
		op:     "send message",
		id:     sessionID,
		method: http.MethodPost,
		path:   chatPath(sessionID) + "/send",
		body:   sendMessageRequest{UserMessageID: userMessageID, Content: content, Model: c.model},
		accept: "text/event-stream",
	}

	start := time.Now()
	resp, err := c.do(ctx, req)
	if err != nil {
		return internal.Message{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(req, resp); err != nil {
		return internal.Message{}, err
	}

	consumer := stream.NewConsumer(sink)
	msg, err := consumer.Consume(ctx, stream.NewDecoder(resp.Body))
	if err != nil {
		internal.LogDebug("Stream for chat %s failed after %v: %v", sessionID, time.Since(start), err)
		return internal.Message{}, err
	}

	internal.LogDebug("Stream for chat %s completed in %v (%d bytes)", sessionID, time.Since(start), len(consumer.Accumulated()))
	return msg, nil
}

// call performs a non-streaming request and decodes the response into out
func (c *HTTPClient) call(ctx context.Context, req request, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(req, resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.op, err)
	}
	return nil
}

// do sends the request. Failures to reach the server are TransportErrors.
func (c *HTTPClient) do(ctx context.Context, req request) (*http.Response, error) {
	endpoint := c.BaseURL() + req.path

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", req.op, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", req.op, err)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
		httpReq.Header.Set("Cache-Control", "no-cache")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	internal.LogDebug("%s %s", req.method, endpoint)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &internal.TransportError{Op: req.op, URL: endpoint, Err: err}
	}
	return resp, nil
}

// checkStatus maps non-2xx responses to typed errors
func checkStatus(req request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &internal.NotFoundError{Resource: "chat", ID: req.id}
	case http.StatusConflict:
		return &internal.ConflictError{Resource: "chat", ID: req.id}
	}

	return &internal.HTTPError{
		Op:         req.op,
		StatusCode: resp.StatusCode,
		Message:    readErrorMessage(resp.Body),
	}
}

// readErrorMessage extracts the message of an error body, falling back to the raw text
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return ""
	}

	var apiErr apiError
	if json.Unmarshal(data, &apiErr) == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}
	return strings.TrimSpace(string(data))
}

func chatPath(id string) string {
	return "/chats/" + url.PathEscape(id)
}
