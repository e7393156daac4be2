// Package attachment turns user attachments into provider message content.
// Images are sent as image parts; PDF, HTML and text documents are reduced
// to text and appended to the message.
package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/proxy"
)

const (
	maxFetchSize     = 5 << 20 // 5MB
	maxExtractedSize = 64 << 10
	fetchTimeout     = 10 * time.Second
)

// Builder assembles outgoing messages. Extracted document text is cached
// per location for the life of the Builder.
type Builder struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	texts map[string]string
}

// NewBuilder returns a Builder fetching remote documents with client, or
// http.DefaultClient when client is nil.
func NewBuilder(client *http.Client) *Builder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Builder{
		httpClient: client,
		logger:     slog.Default(),
		texts:      make(map[string]string),
	}
}

// Message builds the provider message for one turn. Attachments that cannot
// be read are logged and left out.
func (b *Builder) Message(ctx context.Context, role chat.Role, text string, atts []chat.Attachment) proxy.Message {
	if len(atts) == 0 {
		return proxy.Message{Role: string(role), Content: text}
	}

	var images []proxy.ContentPart
	var docs strings.Builder
	docs.WriteString(text)

	for _, a := range atts {
		switch kind(a) {
		case kindImage:
			url, err := b.imageURL(a)
			if err != nil {
				b.logger.Warn("skipping unreadable image attachment", "attachment", a.Location(), "error", err)
				continue
			}
			images = append(images, proxy.ImagePart(url))
		case kindPDF, kindHTML, kindText:
			extracted, err := b.documentText(ctx, a)
			if err != nil {
				b.logger.Warn("skipping unreadable attachment", "attachment", a.Location(), "error", err)
				continue
			}
			writeDocument(&docs, displayName(a), extracted)
		default:
			b.logger.Warn("skipping attachment of unsupported type", "attachment", a.Location(), "content_type", contentType(a))
		}
	}

	content := docs.String()
	if len(images) == 0 {
		return proxy.Message{Role: string(role), Content: content}
	}
	parts := make([]proxy.ContentPart, 0, len(images)+1)
	if content != "" {
		parts = append(parts, proxy.TextPart(content))
	}
	parts = append(parts, images...)
	return proxy.Message{Role: string(role), Parts: parts}
}

func writeDocument(sb *strings.Builder, name, text string) {
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(sb, "Attachment: %s\n```\n%s\n```", name, text)
}

type attachmentKind int

const (
	kindUnknown attachmentKind = iota
	kindImage
	kindPDF
	kindHTML
	kindText
)

func kind(a chat.Attachment) attachmentKind {
	ct := contentType(a)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return kindImage
	case ct == "application/pdf":
		return kindPDF
	case ct == "text/html" || ct == "application/xhtml+xml":
		return kindHTML
	case strings.HasPrefix(ct, "text/"), ct == "application/json", ct == "application/xml":
		return kindText
	}
	return kindUnknown
}

// contentType returns the media type of a, guessing from the file extension
// when it was not given.
func contentType(a chat.Attachment) string {
	ct := a.ContentType
	if ct == "" {
		name := a.Name
		if name == "" {
			name = a.Location()
		}
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		ext := strings.ToLower(filepath.Ext(name))
		if t, ok := textExtensions[ext]; ok {
			ct = t
		} else {
			ct = mime.TypeByExtension(ext)
		}
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// textExtensions covers plain text formats that the system MIME tables
// often lack.
var textExtensions = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".log":      "text/plain",
	".yaml":     "text/yaml",
	".yml":      "text/yaml",
	".txt":      "text/plain",
}

func displayName(a chat.Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	return filepath.Base(a.Location())
}

// imageURL returns a URL the provider can fetch: remote URLs as is, local
// files as base64 data URLs.
func (b *Builder) imageURL(a chat.Attachment) (string, error) {
	if a.URL != "" {
		return a.URL, nil
	}
	data, err := readLocal(a.Path)
	if err != nil {
		return "", err
	}
	return "data:" + contentType(a) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (b *Builder) documentText(ctx context.Context, a chat.Attachment) (string, error) {
	loc := a.Location()
	b.mu.Lock()
	cached, ok := b.texts[loc]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	var data []byte
	var err error
	if a.URL != "" {
		data, err = b.fetch(ctx, a.URL)
	} else {
		data, err = readLocal(a.Path)
	}
	if err != nil {
		return "", err
	}

	var text string
	switch kind(a) {
	case kindPDF:
		text, err = extractPDF(data)
	case kindHTML:
		text, err = extractHTML(data)
	default:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%s is not valid UTF-8 text", displayName(a))
		}
		text = string(data)
	}
	if err != nil {
		return "", err
	}
	text = truncate(strings.TrimSpace(text), maxExtractedSize)

	b.mu.Lock()
	b.texts[loc] = text
	b.mu.Unlock()
	return text, nil
}

func (b *Builder) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
}

func readLocal(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("attachment has neither url nor path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxFetchSize))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[truncated]"
}
