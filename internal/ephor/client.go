package ephor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"promptchain/internal/logging"
	"promptchain/internal/otel"
	"promptchain/internal/version"
)

const (
	opInteract = "interact"
	opChat     = "chat"
	opMessages = "channel messages"

	maxErrorBody = 64 * 1024
)

// TokenSource yields the short-lived session token used for streaming.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *logging.Logger
}

type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
	logger  *logging.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid api base %q", opts.BaseURL)
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(opts.APIKey),
		tokens:  opts.Tokens,
		http:    ensureClient(opts.HTTPClient),
		logger:  opts.Logger,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// InteractResult is either a JSON acknowledgment or a live event stream. The
// caller must close Stream when it is set.
type InteractResult struct {
	Ack    *Ack
	Stream io.ReadCloser
}

// Interact posts a query to the streaming endpoint.
func (c *Client) Interact(ctx context.Context, q Query) (*InteractResult, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(newInteractPayload(q))
	if err != nil {
		return nil, fmt.Errorf("encode interact request: %w", err)
	}

	request, err := c.newRequest(ctx, http.MethodPost, "/api/v1/interact/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json, text/event-stream, */*")
	request.Header.Set("Idempotency-Key", q.MessageID)
	addBearer(request, token)

	c.logger.Debug("interact request", map[string]string{
		"message_id": q.MessageID,
		"channel_id": q.ChannelID,
		"models":     strings.Join(q.Models, ","),
	})
	response, err := c.http.Do(request)
	if err != nil {
		return nil, transportError(opInteract, err)
	}

	mediaType := contentType(response)
	switch {
	case mediaType == "application/json":
		defer response.Body.Close()
		var ack Ack
		raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		if readErr != nil {
			return nil, transportError(opInteract, readErr)
		}
		if response.StatusCode < 200 || response.StatusCode > 299 {
			return nil, c.statusError(opInteract, response, raw)
		}
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, Protocol(opInteract, "decode acknowledgment: %v", err)
		}
		if ack.Detail != nil {
			return nil, &Error{Kind: KindBackendRejected, Op: opInteract, StatusCode: response.StatusCode, Message: detailMessage(ack.Detail)}
		}
		c.logger.Debug("interact acknowledged", map[string]string{
			"message_id": ack.MessageID,
			"item_id":    ack.ItemID,
		})
		return &InteractResult{Ack: &ack}, nil
	case response.StatusCode < 200 || response.StatusCode > 299:
		defer response.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return nil, c.statusError(opInteract, response, raw)
	case mediaType == "text/event-stream":
		return &InteractResult{Stream: response.Body}, nil
	default:
		response.Body.Close()
		return nil, Protocol(opInteract, "unexpected content type %q", response.Header.Get("Content-Type"))
	}
}

// Chat sends a query through the multiplexer endpoint, which authenticates
// with the raw API key.
func (c *Client) Chat(ctx context.Context, q Query) (ChatResponse, error) {
	if c.apiKey == "" {
		return ChatResponse{}, &Error{Kind: KindBackendRejected, Op: opChat, Message: "api key is required for multiplexer calls"}
	}
	body, err := json.Marshal(chatPayload{
		ProjectID:      q.ProjectID,
		ChannelID:      q.ChannelID,
		MessageID:      q.MessageID,
		ParentID:       q.ParentMessageID,
		Query:          q.Text,
		SelectedModels: q.Models,
	})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("encode chat request: %w", err)
	}

	request, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", c.apiKey)
	request.Header.Set("Idempotency-Key", q.MessageID)

	response, err := c.http.Do(request)
	if err != nil {
		return ChatResponse{}, transportError(opChat, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return ChatResponse{}, c.statusError(opChat, response, raw)
	}
	var payload ChatResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return ChatResponse{}, Protocol(opChat, "decode chat response: %v", err)
	}
	return payload, nil
}

// ChannelMessages fetches the shared message log of a channel.
func (c *Client) ChannelMessages(ctx context.Context, projectID, channelID string) ([]LogEntry, error) {
	projectID = strings.TrimSpace(projectID)
	channelID = strings.TrimSpace(channelID)
	if projectID == "" || channelID == "" {
		return nil, errors.New("project id and channel id are required")
	}
	path := "/api/v1/projects/" + url.PathEscape(projectID) + "/channels/" + url.PathEscape(channelID) + "/messages"
	request, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", c.apiKey)
	} else {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}
		addBearer(request, token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, transportError(opMessages, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, transportError(opMessages, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, c.statusError(opMessages, response, raw)
	}
	entries, err := decodeLog(raw)
	if err != nil {
		return nil, Protocol(opMessages, "%v", err)
	}
	return entries, nil
}

// SocketURL derives the duplex socket endpoint from the API base.
func (c *Client) SocketURL(ctx context.Context) (string, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	parsed.RawQuery = url.Values{"token": []string{token}}.Encode()
	return parsed.String(), nil
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", Cancelled("session token", ctx.Err())
		}
		return "", &Error{Kind: KindBackendRejected, Op: "session token", Err: err}
	}
	return token, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	request.Header.Set("User-Agent", version.UserAgent())
	otel.InjectHeaders(ctx, request.Header)
	return request, nil
}

func (c *Client) statusError(op string, response *http.Response, raw []byte) error {
	retryAfter := ParseRetryAfter(response.Header.Get("Retry-After"), time.Now())
	message := errorMessage(response, raw)
	c.logger.Warn("backend request failed", map[string]string{
		"op":     op,
		"status": response.Status,
		"error":  message,
	})
	return HTTPStatus(op, response.StatusCode, message, retryAfter)
}

func decodeLog(raw []byte) ([]LogEntry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var entries []LogEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("decode message log: %w", err)
		}
		return entries, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("decode message log: %w", err)
	}
	for _, key := range []string{"items", "data", "messages", "results"} {
		list, ok := wrapper[key]
		if !ok {
			continue
		}
		var entries []LogEntry
		if err := json.Unmarshal(list, &entries); err != nil {
			return nil, fmt.Errorf("decode message log %s: %w", key, err)
		}
		return entries, nil
	}
	return nil, errors.New("message log has no list field")
}

func transportError(op string, err error) error {
	switch kind := KindOf(err); kind {
	case KindCancelled, KindTimeout:
		return NewError(kind, op, err)
	default:
		return NewError(KindTransientNetwork, op, err)
	}
}

func contentType(response *http.Response) string {
	mediaType, _, err := mime.ParseMediaType(response.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func addBearer(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func errorMessage(response *http.Response, raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return response.Status
	}
	var payload struct {
		Error  string `json:"error"`
		Detail any    `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
		if payload.Detail != nil {
			return detailMessage(payload.Detail)
		}
	}
	return text
}

func detailMessage(detail any) string {
	if text, ok := detail.(string); ok {
		return text
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return fmt.Sprint(detail)
	}
	return string(encoded)
}
