package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// Download results above this size are withheld from the LLM transcript;
// the file is still captured as an attachment.
const datasafeInlineLimit = 64 * 1024

// ============================================================
// datasafe_list
// ============================================================

type DatasafeListTool struct {
	safe *store.Datasafe
}

func NewDatasafeListTool(safe *store.Datasafe) *DatasafeListTool {
	return &DatasafeListTool{safe: safe}
}

func (t *DatasafeListTool) Name() string { return "datasafe_list" }
func (t *DatasafeListTool) Description() string {
	return "List files in the team datasafe, optionally under a path prefix."
}

func (t *DatasafeListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prefix": map[string]interface{}{
				"type":        "string",
				"description": "Path prefix, e.g. 'attachments/' (default: everything)",
			},
		},
	}
}

func (t *DatasafeListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	files, err := t.safe.List(ctx, teamID, argString(args, "prefix"))
	if err != nil {
		return ErrorResult(fmt.Sprintf("list datasafe: %v", err)).WithError(err)
	}
	if len(files) == 0 {
		return NewResult("The datasafe is empty.")
	}
	out, _ := json.MarshalIndent(files, "", "  ")
	return NewResult(string(out))
}

// ============================================================
// datasafe_download
// ============================================================

type DatasafeDownloadTool struct {
	safe *store.Datasafe
}

func NewDatasafeDownloadTool(safe *store.Datasafe) *DatasafeDownloadTool {
	return &DatasafeDownloadTool{safe: safe}
}

func (t *DatasafeDownloadTool) Name() string { return "datasafe_download" }
func (t *DatasafeDownloadTool) Description() string {
	return "Download a file from the team datasafe. The file is attached to the final reply; small text files are also shown inline."
}

func (t *DatasafeDownloadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path from datasafe_list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *DatasafeDownloadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	path := strings.TrimSpace(argString(args, "path"))
	if path == "" {
		return ErrorResult("'path' is required")
	}

	data, err := t.safe.Get(ctx, teamID, path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("download %q: %v", path, err)).WithError(err)
	}

	att := &store.MailAttachment{
		Filename:     filepath.Base(path),
		MimeType:     guessMime(path),
		Size:         int64(len(data)),
		DatasafePath: path,
		Data:         base64.StdEncoding.EncodeToString(data),
	}

	text := fmt.Sprintf("Downloaded %q (%d bytes, %s). It will be attached to your reply.",
		path, len(data), att.MimeType)
	if len(data) <= datasafeInlineLimit && isTextMime(att.MimeType) {
		text += "\n\n" + string(data)
	}

	r := NewResult(text)
	r.Attachment = att
	return r
}

// ============================================================
// datasafe_upload
// ============================================================

type DatasafeUploadTool struct {
	safe *store.Datasafe
}

func NewDatasafeUploadTool(safe *store.Datasafe) *DatasafeUploadTool {
	return &DatasafeUploadTool{safe: safe}
}

func (t *DatasafeUploadTool) Name() string { return "datasafe_upload" }
func (t *DatasafeUploadTool) Description() string {
	return "Save a file into the team datasafe. Content may be plain text or base64."
}

func (t *DatasafeUploadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Destination path, e.g. 'notes/summary.md'",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File content",
			},
			"base64": map[string]interface{}{
				"type":        "boolean",
				"description": "Set true when content is base64-encoded binary",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *DatasafeUploadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	teamID := store.TeamIDFromContext(ctx)

	path := strings.TrimSpace(argString(args, "path"))
	content := argString(args, "content")
	if path == "" || content == "" {
		return ErrorResult("'path' and 'content' are required")
	}

	data := []byte(content)
	if b, _ := args["base64"].(bool); b {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid base64 content: %v", err))
		}
		data = decoded
	}

	file, err := t.safe.Put(ctx, teamID, path, guessMime(path), data)
	if err != nil {
		return ErrorResult(fmt.Sprintf("upload %q: %v", path, err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Saved %q (%d bytes).", file.Path, file.Size))
}

func guessMime(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func isTextMime(mt string) bool {
	return strings.HasPrefix(mt, "text/") ||
		strings.HasPrefix(mt, "application/json") ||
		strings.HasPrefix(mt, "application/xml")
}
