// Package rest is the HTTP collaborator of the socket layer. History pages,
// flag toggles, pins and uploads go through it; real-time traffic does not.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/model"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the backend rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client talks to the chat backend's REST surface with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// ListChats fetches the full chat list in wire form. Callers normalize.
func (c *Client) ListChats(ctx context.Context) ([]model.WireChat, error) {
	var chats []model.WireChat
	if err := c.do(ctx, http.MethodGet, "/api/chat", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// ListMessages fetches one history page for a chat, newest last.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) ([]model.WireMessage, error) {
	path := "/api/chat/" + url.PathEscape(chatID) + "/mensajes"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []model.WireMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SetFavorite persists the favorite flag for a chat.
func (c *Client) SetFavorite(ctx context.Context, chatID string, favorite bool) error {
	path := "/api/chat/" + url.PathEscape(chatID) + "/favorite"
	body := map[string]bool{"isFavorite": favorite}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// SetBlocked persists the block flag for a chat.
func (c *Client) SetBlocked(ctx context.Context, chatID string, blocked bool) error {
	path := "/api/chat/" + url.PathEscape(chatID) + "/block"
	method := http.MethodPost
	if !blocked {
		method = http.MethodDelete
	}
	return c.do(ctx, method, path, nil, nil)
}

// ListPins fetches the pinned message ids of a chat.
func (c *Client) ListPins(ctx context.Context, chatID string) ([]string, error) {
	path := "/api/chat/" + url.PathEscape(chatID) + "/pins"
	var resp struct {
		Pins []string `json:"pins"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pins, nil
}

// PinMessage pins a message server-side.
func (c *Client) PinMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/messages/"+url.PathEscape(messageID)+"/pin", nil, nil)
}

// UnpinMessage removes a server-side pin.
func (c *Client) UnpinMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chat/messages/"+url.PathEscape(messageID)+"/pin", nil, nil)
}

// EditMessage updates a message's text and returns the server's version.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) (model.WireMessage, error) {
	var msg model.WireMessage
	body := map[string]string{"text": text}
	err := c.do(ctx, http.MethodPatch, "/api/chat/messages/"+url.PathEscape(messageID), body, &msg)
	return msg, err
}

// DeleteMessage removes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chat/messages/"+url.PathEscape(messageID), nil, nil)
}

// UploadResult is the backend's answer to a file upload.
type UploadResult struct {
	URL      string `json:"url"`
	ThumbURL string `json:"thumbUrl,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// UploadFile streams one file as multipart form data and returns its hosted
// location.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) (UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return UploadResult{}, fmt.Errorf("read %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/single", &buf)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result UploadResult
	if err := c.send(req, &result); err != nil {
		return UploadResult{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		c.logger.Warn("api request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
