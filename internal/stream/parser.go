// Package stream decodes the provider's server-sent event stream into
// typed deltas.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/chatter/internal/chat"
)

const (
	readBufferSize = 64 << 10
	maxLineSize    = 1 << 20
	maxLoggedLine  = 200
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ErrLineTooLong is returned when a single frame exceeds 1 MiB.
var ErrLineTooLong = errors.New("stream frame exceeds 1 MiB")

// Parser is a forward-only iterator over the deltas of one response body.
// It is not safe for concurrent use.
type Parser struct {
	r       *bufio.Reader
	logger  *slog.Logger
	pending []Delta
	done    bool
	err     error
}

// NewParser returns a parser reading frames from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		r:      bufio.NewReaderSize(r, readBufferSize),
		logger: slog.Default(),
	}
}

// Next returns the next delta. After EndOfStream has been returned it
// returns io.EOF. Any other error comes from the transport or the provider
// and is returned again on every later call.
func (p *Parser) Next() (Delta, error) {
	for {
		if len(p.pending) > 0 {
			d := p.pending[0]
			p.pending = p.pending[1:]
			return d, nil
		}
		if p.err != nil {
			return nil, p.err
		}
		if p.done {
			return nil, io.EOF
		}

		line, err := p.readLine()
		if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			p.handleLine(line)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if !p.done && p.err == nil {
				p.finish()
			}
		default:
			if p.err == nil {
				p.err = err
			}
		}
	}
}

func (p *Parser) finish() {
	p.done = true
	p.pending = append(p.pending, EndOfStream{})
}

// readLine returns one line without its terminator. A final line without a
// newline is returned together with io.EOF.
func (p *Parser) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := p.r.ReadSlice('\n')
		if len(line)+len(frag) > maxLineSize {
			return nil, ErrLineTooLong
		}
		line = append(line, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), err
	}
}

func (p *Parser) handleLine(line []byte) {
	if p.done {
		return
	}
	// Blank lines separate events; lines starting with ':' are comments.
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return
	}
	// Other event fields (event:, id:, retry:) carry nothing we use.
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return
	}
	if bytes.Equal(payload, doneMarker) {
		p.finish()
		return
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		p.logger.Warn("skipping malformed stream frame", "error", err, "frame", truncate(payload))
		return
	}
	p.pending = append(p.pending, c.deltas()...)
	if c.Error != nil {
		p.err = c.Error.toError()
	}
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedLine {
		return string(b)
	}
	return string(b[:maxLoggedLine]) + "..."
}

// chunk is the subset of a completion chunk that we read. Unknown fields
// are ignored.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content          string          `json:"content"`
			Reasoning        string          `json:"reasoning"`
			ReasoningContent string          `json:"reasoning_content"`
			Annotations      []annotationRaw `json:"annotations"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *errorRaw `json:"error"`
}

// annotationRaw accepts both the nested url_citation shape and a flat
// {url, title} object.
type annotationRaw struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	URLCitation *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

type errorRaw struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

func (e *errorRaw) toError() *ProviderError {
	code := strings.Trim(string(e.Code), `"`)
	if code == "null" {
		code = ""
	}
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	return &ProviderError{Code: code, Message: msg}
}

func (c *chunk) deltas() []Delta {
	var out []Delta
	if len(c.Choices) > 0 {
		d := c.Choices[0].Delta
		reasoning := d.Reasoning
		if reasoning == "" {
			reasoning = d.ReasoningContent
		}
		if reasoning != "" {
			out = append(out, ReasoningDelta{Text: reasoning})
		}
		if d.Content != "" {
			out = append(out, ContentDelta{Text: d.Content})
		}
		if anns := convertAnnotations(d.Annotations); len(anns) > 0 {
			out = append(out, AnnotationDelta{Annotations: anns})
		}
	}
	if c.Usage != nil {
		out = append(out, UsageDelta{Usage: chat.Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
		}})
	}
	return out
}

func convertAnnotations(raw []annotationRaw) []chat.Annotation {
	var out []chat.Annotation
	for _, a := range raw {
		url, title := a.URL, a.Title
		if a.URLCitation != nil {
			url, title = a.URLCitation.URL, a.URLCitation.Title
		}
		if url == "" {
			continue
		}
		out = append(out, chat.Annotation{URL: url, Title: title})
	}
	return out
}

// Drain reads the remaining deltas and returns the first error other than
// io.EOF. It is mainly useful in tests and tools.
func Drain(p *Parser) ([]Delta, error) {
	var out []Delta
	for {
		d, err := p.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("reading stream: %w", err)
		}
		out = append(out, d)
	}
}
