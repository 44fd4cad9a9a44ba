package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"larkgate/internal/domain"
)

const defaultAPIBase = "https://open.feishu.cn/open-apis"

const (
	maxSendRetries     = 5
	initialRetryDelay  = 1 * time.Second
	maxRetryDelay      = 32 * time.Second
	defaultHTTPTimeout = 30 * time.Second
)

// Client is the low-level platform API client. Every call retries with capped
// exponential backoff, but only on explicit rate-limit signals or network
// failure; other error responses return immediately.
type Client struct {
	baseURL    string
	http       *http.Client
	logger     *slog.Logger
	retryDelay time.Duration // initial backoff, shortened in tests
	onRetry    func(attempt int)
}

// NewClient creates an API client with a pooled HTTP transport.
func NewClient(logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultHTTPTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL:    defaultAPIBase,
		http:       &http.Client{Timeout: defaultHTTPTimeout, Transport: transport},
		logger:     logger,
		retryDelay: initialRetryDelay,
	}
}

// SetBaseURL overrides the API base, for tests and private deployments.
func (c *Client) SetBaseURL(base string) { c.baseURL = strings.TrimSuffix(base, "/") }

// TenantAccessToken calls the token-issuance endpoint. The response envelope
// is flat, so this bypasses the enveloped request helper.
func (c *Client) TenantAccessToken(ctx context.Context, appID, appSecret string) (*TokenResponse, error) {
	body, _ := json.Marshal(map[string]string{"app_id": appID, "app_secret": appSecret})

	raw, _, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/auth/v3/tenant_access_token/internal/", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp TokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &resp, nil
}

// SendMessage sends a new message to a chat or user. The receive id type is
// derived from the id prefix: "oc_" ids are chats, everything else open ids.
func (c *Client) SendMessage(ctx context.Context, token, receiveID, msgType, content string) (*SendResult, error) {
	query := url.Values{"receive_id_type": {receiveIDType(receiveID)}}
	payload := map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	}
	var result SendResult
	if err := c.request(ctx, http.MethodPost, "/im/v1/messages?"+query.Encode(), token, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReplyMessage sends a reply threaded onto an existing message.
func (c *Client) ReplyMessage(ctx context.Context, token, messageID, msgType, content string) (*SendResult, error) {
	payload := map[string]string{
		"msg_type": msgType,
		"content":  content,
	}
	path := "/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	var result SendResult
	if err := c.request(ctx, http.MethodPost, path, token, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UploadImage uploads image bytes for use in an image message and returns the
// storage key.
func (c *Client) UploadImage(ctx context.Context, token string, image []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("image_type", "message"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("image", "image")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	raw, _, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/im/v1/images", bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var result UploadImageResult
	if err := decodeEnvelope(raw, &result); err != nil {
		return "", err
	}
	return result.ImageKey, nil
}

// DownloadResource fetches message media (image or file) with bearer auth.
func (c *Client) DownloadResource(ctx context.Context, token, messageID, fileKey, resourceType string) ([]byte, error) {
	path := fmt.Sprintf("%s/im/v1/messages/%s/resources/%s?type=%s",
		c.baseURL, url.PathEscape(messageID), url.PathEscape(fileKey), url.QueryEscape(resourceType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.TransportError{HTTPStatus: resp.StatusCode, Msg: "download resource " + resp.Status}
	}
	return io.ReadAll(resp.Body)
}

// request performs an enveloped JSON API call and decodes the data payload.
func (c *Client) request(ctx context.Context, method, path, token string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	raw, _, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
	if err != nil {
		return err
	}

	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw []byte, out any) error {
	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != codeSuccess {
		return &domain.TransportError{Code: envelope.Code, Msg: errorMessage(envelope.Code, envelope.Msg)}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// doWithRetry executes the request with bounded exponential backoff. Retries
// fire only on the platform's rate-limit code, HTTP 429, or network failure.
func (c *Client) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) ([]byte, int, error) {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if attempt > 0 {
			if c.onRetry != nil {
				c.onRetry(attempt)
			}
			c.logger.Warn("retrying platform request", "attempt", attempt, "backoff", delay)
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, 0, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("platform request: %w", err)
			continue
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if rateLimited(resp.StatusCode, raw) {
			lastErr = &domain.TransportError{Code: codeRateLimited, HTTPStatus: resp.StatusCode, Msg: "rate limited"}
			continue
		}

		return raw, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func rateLimited(status int, raw []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	var envelope struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false
	}
	return envelope.Code == codeRateLimited
}

func receiveIDType(id string) string {
	if strings.HasPrefix(id, "oc_") {
		return "chat_id"
	}
	return "open_id"
}

// errorMessage maps well-known platform codes to readable text.
func errorMessage(code int, msg string) string {
	switch code {
	case codeAppIDNotExist:
		return "app id does not exist"
	case codeAppSecretError:
		return "app secret is incorrect"
	case codeInvalidParams:
		return "invalid request parameters"
	case codeAuthFailed:
		return "authentication failed"
	case codePermissionDenied:
		return "permission denied"
	case codeRateLimited:
		return "rate limited"
	default:
		if msg != "" {
			return msg
		}
		return fmt.Sprintf("unknown error (code %d)", code)
	}
}
