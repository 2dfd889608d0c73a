package mailgun

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/patrick-hofmann/koompl/internal/mail"
)

// maxPayloadBytes bounds one webhook delivery (attachments included).
const maxPayloadBytes = 25 << 20

// ParseInbound normalises a provider-shaped webhook request into a
// mail.Inbound. It accepts JSON, urlencoded-form, and multipart bodies,
// and tolerates the field-name synonyms that different gateway versions
// emit.
func ParseInbound(r *http.Request) (*mail.Inbound, error) {
	fields, err := decodePayload(r)
	if err != nil {
		return nil, err
	}

	in := &mail.Inbound{
		MessageID: mail.NormalizeMessageID(pick(fields, "messageId", "message-id", "Message-Id", "Message-ID")),
		From:      pick(fields, "from", "sender", "From", "Sender"),
		To:        pick(fields, "to", "recipient", "recipients", "To", "Recipient"),
		Subject:   pick(fields, "subject", "Subject"),
		Text:      pick(fields, "stripped-text", "text", "body-plain", "body"),
		HTML:      pick(fields, "stripped-html", "html", "body-html"),
		Token:     pick(fields, "token"),
	}
	in.InReplyTo = mail.ParseReferences(pick(fields, "In-Reply-To", "in-reply-to", "inReplyTo"))
	in.References = mail.ParseReferences(pick(fields, "References", "references"))
	in.Attachments = parseAttachments(fields)

	if in.From == "" || in.To == "" {
		return nil, fmt.Errorf("webhook payload missing from/to (got from=%q to=%q)", in.From, in.To)
	}
	if in.MessageID == "" {
		return nil, fmt.Errorf("webhook payload missing message-id")
	}
	return in, nil
}

// decodePayload flattens the request body into a string-keyed map.
// Nested JSON values that are not strings are re-marshalled so the
// attachment array survives as raw JSON.
func decodePayload(r *http.Request) (map[string]string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	fields := make(map[string]string)

	switch {
	case strings.Contains(ct, "json"):
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("parse json payload: %w", err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case float64:
				fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
			default:
				enc, _ := json.Marshal(val)
				fields[k] = string(enc)
			}
		}

	case strings.HasPrefix(ct, "multipart/"):
		if err := r.ParseMultipartForm(maxPayloadBytes); err != nil {
			return nil, fmt.Errorf("parse multipart payload: %w", err)
		}
		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				fields[k] = vs[0]
			}
		}

	default:
		r.Body = http.MaxBytesReader(nil, r.Body, maxPayloadBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form payload: %w", err)
		}
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				fields[k] = vs[0]
			}
		}
	}

	// Header token wins over a payload token.
	if t := r.Header.Get("X-Inbound-Token"); t != "" {
		fields["token"] = t
	}
	return fields, nil
}

// pick returns the first non-empty value among the synonym keys,
// falling back to a case-insensitive scan.
func pick(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v
		}
	}
	for _, k := range keys {
		for fk, v := range fields {
			if v != "" && strings.EqualFold(fk, k) {
				return v
			}
		}
	}
	return ""
}

// parseAttachments accepts both shapes the gateway produces: a JSON
// array under "attachments", or numbered attachment-1..N fields guided
// by attachment-count.
func parseAttachments(fields map[string]string) []mail.InboundAttachment {
	if raw := fields["attachments"]; raw != "" {
		var list []struct {
			Filename    string `json:"filename"`
			Name        string `json:"name"`
			ContentType string `json:"content-type"`
			MimeType    string `json:"mime_type"`
			Data        string `json:"data"`
			Content     string `json:"content"`
		}
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			out := make([]mail.InboundAttachment, 0, len(list))
			for _, a := range list {
				att := mail.InboundAttachment{
					Filename: firstNonEmpty(a.Filename, a.Name),
					MimeType: firstNonEmpty(a.MimeType, a.ContentType),
					Data:     firstNonEmpty(a.Data, a.Content),
				}
				if att.Data != "" {
					out = append(out, att)
				}
			}
			return out
		}
	}

	count, err := strconv.Atoi(fields["attachment-count"])
	if err != nil || count <= 0 {
		return nil
	}
	var out []mail.InboundAttachment
	for i := 1; i <= count; i++ {
		raw := fields[fmt.Sprintf("attachment-%d", i)]
		if raw == "" {
			continue
		}
		var a struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content-type"`
			Data        string `json:"data"`
		}
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			// Bare base64 blob without an envelope.
			out = append(out, mail.InboundAttachment{
				Filename: fmt.Sprintf("attachment-%d", i),
				Data:     raw,
			})
			continue
		}
		if a.Data != "" {
			out = append(out, mail.InboundAttachment{Filename: a.Filename, MimeType: a.ContentType, Data: a.Data})
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
