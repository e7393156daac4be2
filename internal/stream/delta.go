package stream

import (
	"fmt"

	"github.com/kalambet/chatter/internal/chat"
)

// Delta is one unit of provider output. The concrete types are
// ContentDelta, ReasoningDelta, AnnotationDelta, UsageDelta and EndOfStream.
type Delta interface {
	isDelta()
}

// ContentDelta is a fragment of the visible answer.
type ContentDelta struct {
	Text string
}

// ReasoningDelta is a fragment of the reasoning trace.
type ReasoningDelta struct {
	Text string
}

// AnnotationDelta carries the citations listed in one frame.
type AnnotationDelta struct {
	Annotations []chat.Annotation
}

// UsageDelta is a token usage snapshot. It may arrive more than once.
type UsageDelta struct {
	Usage chat.Usage
}

// EndOfStream is yielded exactly once, for the terminal frame or for the
// transport closing, whichever comes first.
type EndOfStream struct{}

func (ContentDelta) isDelta()    {}
func (ReasoningDelta) isDelta()  {}
func (AnnotationDelta) isDelta() {}
func (UsageDelta) isDelta()      {}
func (EndOfStream) isDelta()     {}

// ProviderError is an error object the provider sent inside the stream
// after the response had already started.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return "provider error: " + e.Message
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}
