package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DatasafeFile describes one stored file.
type DatasafeFile struct {
	Path     string    `json:"path"` // team-relative, e.g. "attachments/report.pdf"
	Size     int64     `json:"size"`
	MimeType string    `json:"mimeType,omitempty"`
	SHA256   string    `json:"sha256"`
	ModTime  time.Time `json:"modTime"`
}

// Datasafe is the per-team file vault. Files live on disk under
// <root>/<teamID>/<path>; payloads are deduplicated by content hash so
// re-saving an identical attachment is a no-op.
type Datasafe struct {
	root string
}

// NewDatasafe opens (creating if needed) a datasafe rooted at dir.
func NewDatasafe(dir string) (*Datasafe, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datasafe root: %w", err)
	}
	return &Datasafe{root: dir}, nil
}

// cleanRel rejects path escapes and normalizes separators.
func cleanRel(p string) (string, error) {
	p = filepath.ToSlash(filepath.Clean(strings.TrimSpace(p)))
	if p == "" || p == "." || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") {
		return "", fmt.Errorf("datasafe: invalid path %q", p)
	}
	return p, nil
}

func (d *Datasafe) teamDir(teamID uuid.UUID) string {
	return filepath.Join(d.root, teamID.String())
}

// Put stores data at the given team-relative path, overwriting any
// previous content. Returns the stored file description.
func (d *Datasafe) Put(ctx context.Context, teamID uuid.UUID, path, mimeType string, data []byte) (*DatasafeFile, error) {
	rel, err := cleanRel(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	abs := filepath.Join(d.teamDir(teamID), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("datasafe mkdir: %w", err)
	}

	// Skip the write when the stored content already matches.
	if existing, err := os.ReadFile(abs); err == nil {
		if sha256.Sum256(existing) == sum {
			fi, _ := os.Stat(abs)
			return &DatasafeFile{Path: rel, Size: int64(len(data)), MimeType: mimeType, SHA256: hex.EncodeToString(sum[:]), ModTime: fi.ModTime().UTC()}, nil
		}
	}

	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("datasafe write: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("datasafe rename: %w", err)
	}
	return &DatasafeFile{
		Path:     rel,
		Size:     int64(len(data)),
		MimeType: mimeType,
		SHA256:   hex.EncodeToString(sum[:]),
		ModTime:  time.Now().UTC(),
	}, nil
}

// Get reads the file at the team-relative path.
func (d *Datasafe) Get(ctx context.Context, teamID uuid.UUID, path string) ([]byte, error) {
	rel, err := cleanRel(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.teamDir(teamID), filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("datasafe file %q: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("datasafe read: %w", err)
	}
	return data, nil
}

// List walks the team vault (optionally under a prefix) and returns
// file descriptions sorted by path.
func (d *Datasafe) List(ctx context.Context, teamID uuid.UUID, prefix string) ([]DatasafeFile, error) {
	base := d.teamDir(teamID)
	start := base
	if prefix != "" {
		rel, err := cleanRel(prefix)
		if err != nil {
			return nil, err
		}
		start = filepath.Join(base, filepath.FromSlash(rel))
	}

	var out []DatasafeFile
	err := filepath.Walk(start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, DatasafeFile{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("datasafe list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes a stored file. Deleting a missing file is not an error.
func (d *Datasafe) Delete(ctx context.Context, teamID uuid.UUID, path string) error {
	rel, err := cleanRel(path)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(d.teamDir(teamID), filepath.FromSlash(rel)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("datasafe delete: %w", err)
	}
	return nil
}

// SaveAttachment stores an inbound attachment payload under
// attachments/<conversation>/<filename>, disambiguating name clashes
// with a short content hash. Returns the team-relative path.
func (d *Datasafe) SaveAttachment(ctx context.Context, teamID uuid.UUID, conversationID, filename, mimeType string, data []byte) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		name = "attachment.bin"
	}
	conv := sanitizeSegment(conversationID)
	rel := "attachments/" + conv + "/" + name

	// On a name clash with different bytes, fold a hash prefix into the name.
	if existing, err := d.Get(ctx, teamID, rel); err == nil {
		if sha256.Sum256(existing) != sha256.Sum256(data) {
			sum := sha256.Sum256(data)
			ext := filepath.Ext(name)
			rel = "attachments/" + conv + "/" + strings.TrimSuffix(name, ext) + "-" + hex.EncodeToString(sum[:4]) + ext
		}
	}

	f, err := d.Put(ctx, teamID, rel, mimeType, data)
	if err != nil {
		return "", err
	}
	return f.Path, nil
}

// sanitizeSegment makes an arbitrary id safe as a single path segment.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "misc"
	}
	return b.String()
}
