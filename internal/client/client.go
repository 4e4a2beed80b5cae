// Package client holds the outbound integrations a script command can
// reach: email delivery, generic HTTP calls, and push notifications
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/waypost/engine/pkg/api"
)

type (
	// Mail is one outbound email request
	Mail struct {
		From        string   `json:"from,omitempty"`
		To          string   `json:"to"`
		Subject     string   `json:"subject"`
		TextBody    string   `json:"text_body"`
		HTMLBody    string   `json:"html_body,omitempty"`
		Attachments []string `json:"attachments,omitempty"`
		Session     string   `json:"session,omitempty"`
	}

	// Notification is one outbound notification record. The engine fills
	// the session context fields; scripts supply type, name, and value
	Notification struct {
		Type       string `json:"type"`
		Name       string `json:"name"`
		Value      any    `json:"value,omitempty"`
		Channel    string `json:"channel,omitempty"`
		WorkflowID string `json:"workflow_id,omitempty"`
		SessionID  string `json:"session_id,omitempty"`
		BlockID    string `json:"block_id,omitempty"`
	}

	// CallRequest is one generic outbound HTTP call made on behalf of a
	// script
	CallRequest struct {
		Method string `json:"method"`
		URL    string `json:"url"`
		Body   any    `json:"body,omitempty"`
	}

	Mailer interface {
		Send(context.Context, *Mail) error
	}

	Notifier interface {
		Notify(context.Context, *Notification) error
	}

	Caller interface {
		Call(context.Context, *CallRequest) (api.Args, error)
	}

	// WebhookMailer delivers mail by posting it to a relay endpoint
	WebhookMailer struct {
		httpClient *http.Client
		endpoint   string
	}

	// WebhookNotifier posts notifications to a relay endpoint
	WebhookNotifier struct {
		httpClient *http.Client
		endpoint   string
	}

	// HTTPCaller performs generic JSON calls for the httpCall command
	HTTPCaller struct {
		httpClient *http.Client
	}
)

var (
	ErrHTTPError  = errors.New("endpoint returned HTTP error")
	ErrNoEndpoint = errors.New("no endpoint configured")

	_ Mailer   = (*WebhookMailer)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Caller   = (*HTTPCaller)(nil)
)

const userAgent = "Waypost-Engine/1.0"

func NewWebhookMailer(endpoint string, timeout time.Duration) *WebhookMailer {
	return &WebhookMailer{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

func (m *WebhookMailer) Send(ctx context.Context, mail *Mail) error {
	if m.endpoint == "" {
		return fmt.Errorf("%w: mailer", ErrNoEndpoint)
	}
	_, err := postJSON(ctx, m.httpClient, m.endpoint, mail)
	if err != nil {
		slog.Error("Failed to deliver mail",
			slog.String("to", mail.To),
			slog.Any("error", err))
	}
	return err
}

func NewWebhookNotifier(
	endpoint string, timeout time.Duration,
) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

func (n *WebhookNotifier) Notify(
	ctx context.Context, note *Notification,
) error {
	if n.endpoint == "" {
		return fmt.Errorf("%w: notifier", ErrNoEndpoint)
	}
	_, err := postJSON(ctx, n.httpClient, n.endpoint, note)
	if err != nil {
		slog.Error("Failed to deliver notification",
			slog.String("type", note.Type),
			slog.String("name", note.Name),
			slog.Any("error", err))
	}
	return err
}

func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	return &HTTPCaller{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call performs one outbound call and returns the decoded JSON body. A
// non-JSON body is returned under the body key
func (c *HTTPCaller) Call(
	ctx context.Context, req *CallRequest,
) (api.Args, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: httpCall", ErrNoEndpoint)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	dur := time.Since(start)
	if err != nil {
		slog.Error("HTTP call failed",
			slog.String("url", req.URL),
			slog.Duration("duration", dur),
			slog.Any("error", err))
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		slog.Error("HTTP call error",
			slog.String("url", req.URL),
			slog.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%w: HTTP %d", ErrHTTPError, resp.StatusCode)
	}

	res := api.Args{}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return api.Args{"body": string(respBody)}, nil
	}
	return res, nil
}

func postJSON(
	ctx context.Context, httpClient *http.Client, endpoint string,
	payload any,
) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: HTTP %d", ErrHTTPError, resp.StatusCode)
	}
	return respBody, nil
}
