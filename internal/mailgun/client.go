// Package mailgun implements the outbound mail gateway client and the
// inbound webhook payload normaliser for mailgun-shaped providers.
package mailgun

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// SendRequest is one outbound message handed to the gateway.
type SendRequest struct {
	Domain  string // sending domain, selects the /v3/<domain>/messages route
	From    string
	To      string
	Subject string
	Text    string
	HTML    string

	// Threading headers; lists are joined space-separated and re-bracketed.
	InReplyTo  []string
	References []string

	Attachments []store.MailAttachment // Data carries base64 payload
}

// Client talks to the mailgun messages API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.mailgun.net"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send posts the message and returns the gateway-assigned message-id.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"from":       req.From,
		"to":         req.To,
		"subject":    req.Subject,
		"text":       req.Text,
		"o:tracking": "no",
		"h:X-Mailer": "koompl",
	}
	if req.HTML != "" {
		fields["html"] = req.HTML
	}
	if len(req.InReplyTo) > 0 {
		fields["h:In-Reply-To"] = bracketJoin(req.InReplyTo)
	}
	if len(req.References) > 0 {
		fields["h:References"] = bracketJoin(req.References)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("mailgun: build form: %w", err)
		}
	}

	for _, a := range req.Attachments {
		if a.Data == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			slog.Warn("mailgun.attachment_skipped", "filename", a.Filename, "error", err)
			continue
		}
		part, err := w.CreateFormFile("attachment", a.Filename)
		if err != nil {
			return "", fmt.Errorf("mailgun: attachment part: %w", err)
		}
		if _, err := part.Write(raw); err != nil {
			return "", fmt.Errorf("mailgun: attachment write: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v3/%s/messages", c.baseURL, req.Domain)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.SetBasicAuth("api", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mailgun: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mailgun: send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("mailgun: parse response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("mailgun: response carried no message-id: %s", parsed.Message)
	}
	return parsed.ID, nil
}

// bracketJoin renders a header value as space-separated <id> groups.
func bracketJoin(ids []string) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.Trim(strings.TrimSpace(id), "<>")
		if id != "" {
			out = append(out, "<"+id+">")
		}
	}
	return strings.Join(out, " ")
}
