// Package provider is the WhatsApp Cloud API transport client. It owns the
// HTTP conversation with the provider: message sends of every kind, media
// upload and download, and template synchronization. Every call passes
// through the shared rate limiter before it reaches the wire.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/types"
)

// ErrNoMessageID is returned when the provider accepts a send but the
// response carries no message ID.
var ErrNoMessageID = errors.New("provider: response missing message id")

// Error is a provider-side failure with enough detail to decide on retry.
type Error struct {
	StatusCode int
	Code       string
	Title      string
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %d code=%s %s", e.StatusCode, e.Code, e.Title)
}

// Retryable reports whether another attempt could plausibly succeed.
// Throttles and server-side errors are retryable; 4xx rejections other
// than 429 are not.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.StatusCode == 0
}

// Throttled reports whether the provider rate-limited the request.
func (e *Error) Throttled() bool { return e.StatusCode == http.StatusTooManyRequests }

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	BusinessID    string
	AccessToken   string
	Timeout       time.Duration
}

// Client talks to the WhatsApp Cloud API. Safe for concurrent use.
type Client struct {
	base    string // BaseURL/APIVersion, no trailing slash
	phoneID string
	bizID   string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// New builds a Client. limiter may not be nil; every outbound call acquires
// a slot in the category matching its traffic class.
func New(opts Options, limiter *ratelimit.Limiter, log *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "v18.0"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:    opts.BaseURL + "/" + opts.APIVersion,
		phoneID: opts.PhoneNumberID,
		bizID:   opts.BusinessID,
		token:   opts.AccessToken,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		log:     log.With("component", "provider"),
	}
}

// ─── sends ───────────────────────────────────────────────────────────────────

// SendText sends a plain text message. Returns the provider message ID.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.sendMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	})
}

// SendTemplate sends an approved template with ordered body parameters.
func (c *Client) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	tpl := map[string]any{
		"name":     name,
		"language": map[string]any{"code": language},
	}
	if len(params) > 0 {
		body := make([]map[string]any, len(params))
		for i, p := range params {
			body[i] = map[string]any{"type": "text", "text": p}
		}
		tpl["components"] = []map[string]any{{"type": "body", "parameters": body}}
	}
	return c.sendMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "template",
		"template":          tpl,
	})
}

// SendMedia sends an image, document, audio or video message by public URL.
// caption applies to image, video and document kinds.
func (c *Client) SendMedia(ctx context.Context, to string, kind types.Kind, mediaURL, caption string) (string, error) {
	if !kind.IsMedia() {
		return "", fmt.Errorf("provider: kind %q is not a media kind", kind)
	}
	media := map[string]any{"link": mediaURL}
	if caption != "" && kind != types.KindAudio {
		media["caption"] = caption
	}
	return c.sendMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              string(kind),
		string(kind):        media,
	})
}

// SendInteractive sends a prebuilt interactive object (buttons or list).
func (c *Client) SendInteractive(ctx context.Context, to string, interactive json.RawMessage) (string, error) {
	return c.sendMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "interactive",
		"interactive":       interactive,
	})
}

// sendMessage posts payload to the messages endpoint and extracts the
// assigned message ID.
func (c *Client) sendMessage(ctx context.Context, payload map[string]any) (string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.CategoryMessaging); err != nil {
		return "", err
	}

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	err := c.postJSON(ctx, c.base+"/"+c.phoneID+"/messages", payload, &resp)
	if err != nil {
		c.reportOutcome(ratelimit.CategoryMessaging, err)
		return "", err
	}
	c.limiter.ReportSuccess(ratelimit.CategoryMessaging)

	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	return resp.Messages[0].ID, nil
}

// ─── media ───────────────────────────────────────────────────────────────────

// UploadMedia uploads a file and returns the provider media ID.
func (c *Client) UploadMedia(ctx context.Context, filename, mimeType string, r io.Reader) (string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.CategoryMediaUpload); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("provider: build upload: %w", err)
	}
	if err := mw.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("provider: build upload: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("provider: build upload: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("provider: read media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("provider: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+c.phoneID+"/media", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &resp); err != nil {
		c.reportOutcome(ratelimit.CategoryMediaUpload, err)
		return "", err
	}
	c.limiter.ReportSuccess(ratelimit.CategoryMediaUpload)

	if resp.ID == "" {
		return "", ErrNoMessageID
	}
	return resp.ID, nil
}

// DownloadMedia fetches inbound media by provider media ID. The provider
// requires two round trips: a metadata lookup that yields a short-lived URL,
// then the binary fetch itself.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.CategoryMediaUpload); err != nil {
		return nil, "", err
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+mediaID, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if err := c.do(req, &meta); err != nil {
		c.reportOutcome(ratelimit.CategoryMediaUpload, err)
		return nil, "", err
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("provider: media %s has no download url", mediaID)
	}

	dl, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", err
	}
	dl.Header.Set("Authorization", "Bearer "+c.token)
	res, err := c.http.Do(dl)
	if err != nil {
		return nil, "", &Error{Code: "network", Title: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, "", &Error{StatusCode: res.StatusCode, Code: "download", Title: res.Status}
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", fmt.Errorf("provider: read media body: %w", err)
	}
	c.limiter.ReportSuccess(ratelimit.CategoryMediaUpload)
	return data, meta.MimeType, nil
}

// ─── templates ───────────────────────────────────────────────────────────────

// SyncTemplates pulls the business account's template registry.
func (c *Client) SyncTemplates(ctx context.Context) ([]*types.Template, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.CategoryTemplateSync); err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Name       string `json:"name"`
			Language   string `json:"language"`
			Category   string `json:"category"`
			Status     string `json:"status"`
			Components []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"components"`
		} `json:"data"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/"+c.bizID+"/message_templates?limit=100", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if err := c.do(req, &resp); err != nil {
		c.reportOutcome(ratelimit.CategoryTemplateSync, err)
		return nil, err
	}
	c.limiter.ReportSuccess(ratelimit.CategoryTemplateSync)

	now := time.Now().UnixMilli()
	out := make([]*types.Template, 0, len(resp.Data))
	for _, d := range resp.Data {
		out = append(out, &types.Template{
			Name:      d.Name,
			Language:  d.Language,
			Category:  d.Category,
			Status:    types.TemplateStatus(d.Status),
			UpdatedAt: now,
		})
	}
	return out, nil
}

// ─── plumbing ────────────────────────────────────────────────────────────────

func (c *Client) postJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provider: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes req, decoding a 2xx body into out and everything else into
// a *Error. Network failures surface as a *Error with StatusCode 0 so the
// retry policy treats them as transient.
func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Code: "network", Title: err.Error()}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &Error{StatusCode: res.StatusCode, Code: "read", Title: err.Error()}
	}

	if res.StatusCode/100 != 2 {
		return parseError(res.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	return nil
}

// parseError extracts the provider's error envelope when present.
func parseError(status int, body []byte) *Error {
	var envelope struct {
		Error struct {
			Message   string `json:"message"`
			Code      int    `json:"code"`
			ErrorData struct {
				Details string `json:"details"`
			} `json:"error_data"`
		} `json:"error"`
	}
	e := &Error{StatusCode: status, Code: strconv.Itoa(status), Title: http.StatusText(status)}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		e.Title = envelope.Error.Message
		e.Detail = envelope.Error.ErrorData.Details
		if envelope.Error.Code != 0 {
			e.Code = strconv.Itoa(envelope.Error.Code)
		}
	}
	return e
}

// reportOutcome feeds throttle signals back into the rate limiter.
func (c *Client) reportOutcome(cat ratelimit.Category, err error) {
	var pe *Error
	if errors.As(err, &pe) && pe.Throttled() {
		c.log.Warn("provider throttled", "category", string(cat), "code", pe.Code)
		c.limiter.ReportThrottle(cat)
	}
}
