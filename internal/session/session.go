// Package session drives one streaming completion per conversation turn:
// it persists the user message and an empty assistant placeholder, consumes
// the provider stream into an in-memory accumulator, broadcasts progress to
// observers and writes the final assistant message exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/conversation"
	"github.com/kalambet/chatter/internal/proxy"
	"github.com/kalambet/chatter/internal/stream"
)

var (
	// ErrBusy is returned by Submit while another turn is in flight.
	ErrBusy = errors.New("a turn is already in flight")
	// ErrEmptyInput is returned when both text and attachments are empty.
	ErrEmptyInput = errors.New("message is empty")
	// ErrMissingAPIKey is returned when no provider key is configured.
	ErrMissingAPIKey = errors.New("no OpenRouter API key configured")
	// ErrNoModel is returned when neither the request nor the session
	// config names a model.
	ErrNoModel = errors.New("no model selected")
	// ErrNotInFlight is returned by Cancel when there is nothing to cancel.
	ErrNotInFlight = errors.New("no turn in flight")
	// ErrNothingToRegenerate is returned by Regenerate for a conversation
	// without user messages.
	ErrNothingToRegenerate = errors.New("conversation has no user message to answer")
	// ErrStreamStalled is the turn error when the provider sends nothing for
	// longer than the idle timeout.
	ErrStreamStalled = errors.New("stream stalled")
)

// finalizeTimeout bounds the single write that persists a finished turn.
const finalizeTimeout = 30 * time.Second

// Provider opens a streaming completion. *proxy.Client implements it.
type Provider interface {
	Chat(ctx context.Context, req proxy.ChatRequest) (io.ReadCloser, error)
}

// Store is the persistence surface a session needs.
// *conversation.Store implements it.
type Store interface {
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	RenameConversation(ctx context.Context, id, name string) error
	AppendMessage(ctx context.Context, conversationID string, d chat.MessageDraft) (chat.Message, error)
	UpdateMessage(ctx context.Context, messageID string, p chat.MessagePatch) error
	ReadConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Pricer prices a finished turn. *pricing.Catalog implements it.
type Pricer interface {
	Cost(ctx context.Context, model string, u chat.Usage) int64
}

// ContentBuilder converts a stored message into a provider message.
// *attachment.Builder implements it.
type ContentBuilder interface {
	Message(ctx context.Context, role chat.Role, text string, atts []chat.Attachment) proxy.Message
}

// Config holds per-session defaults.
type Config struct {
	Model        string
	APIKey       string
	SystemPrompt string
	// IdleTimeout aborts a turn with ErrStreamStalled when the provider
	// sends no bytes for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store    Store
	Provider Provider
	Pricer   Pricer
	Builder  ContentBuilder
	Config   Config
	Logger   *slog.Logger
}

// Request is one user turn. Model and APIKey override the session config.
type Request struct {
	Text        string
	Attachments []chat.Attachment
	Model       string
	APIKey      string
}

// Session serializes turns for one conversation. It is safe for
// concurrent use.
type Session struct {
	conversationID string
	deps           Deps
	logger         *slog.Logger

	mu      sync.Mutex
	busy    bool
	status  Status
	turn    *Turn
	acc     accumulator
	subs    map[int]chan Event
	nextSub int
}

// New returns an idle session for conversationID.
func New(conversationID string, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conversationID: conversationID,
		deps:           deps,
		logger:         logger.With("conversation", conversationID),
		status:         StatusIdle,
		subs:           make(map[int]chan Event),
	}
}

// ConversationID returns the conversation this session drives.
func (s *Session) ConversationID() string { return s.conversationID }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Busy reports whether a turn holds the session. It is true from the
// moment Submit accepts a turn, before the status leaves idle.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Snapshot returns a copy of the live state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConversationID: s.conversationID,
		Status:         s.status,
	}
	t := s.turn
	if t == nil {
		return snap
	}
	snap.UserMessageID = t.UserMessageID
	snap.AssistantMessageID = t.AssistantMessageID
	snap.Model = t.Model
	snap.Content = s.acc.content
	snap.Reasoning = s.acc.reasoning
	if s.acc.annotations != nil {
		snap.Annotations = append([]chat.Annotation(nil), s.acc.annotations...)
	}
	if s.acc.usage != nil {
		u := *s.acc.usage
		snap.Usage = &u
	}
	if t.credits != nil {
		c := *t.credits
		snap.CreditsConsumed = &c
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	return snap
}

// Submit starts a turn for text and attachments with the session defaults.
func (s *Session) Submit(ctx context.Context, text string, atts []chat.Attachment) (*Turn, error) {
	return s.SubmitRequest(ctx, Request{Text: text, Attachments: atts})
}

// SubmitRequest persists the user message and an empty assistant
// placeholder, then streams the answer in the background. ctx bounds only
// the synchronous part; use Cancel or the returned Turn to control the
// stream. No row is written when a precondition fails.
func (s *Session) SubmitRequest(ctx context.Context, req Request) (*Turn, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyInput
	}
	return s.start(ctx, req, false)
}

// Regenerate asks the provider again for the history up to the latest
// user message and stores the answer as a new assistant message.
func (s *Session) Regenerate(ctx context.Context, req Request) (*Turn, error) {
	return s.start(ctx, req, true)
}

// Cancel stops the in-flight turn. The partial answer is saved and the
// turn ends as aborted. Once the provider stream has ended Cancel returns
// ErrNotInFlight and the turn finishes on its own.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.InFlight() || s.turn == nil || s.turn.ended {
		return ErrNotInFlight
	}
	s.turn.canceled.Store(true)
	s.turn.cancel()
	return nil
}

func (s *Session) start(ctx context.Context, req Request, regenerate bool) (*Turn, error) {
	model, apiKey, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	turn, err := s.prepare(ctx, req, model, apiKey, regenerate)
	if err != nil {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.turn = turn
	s.acc = accumulator{}
	s.setStatusLocked(StatusSubmitted)
	s.mu.Unlock()

	go s.run(turn)
	return turn, nil
}

func (s *Session) resolve(req Request) (model, apiKey string, err error) {
	s.mu.Lock()
	cfg := s.deps.Config
	s.mu.Unlock()

	apiKey = req.APIKey
	if apiKey == "" {
		apiKey = cfg.APIKey
	}
	if apiKey == "" {
		return "", "", ErrMissingAPIKey
	}
	model = req.Model
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		return "", "", ErrNoModel
	}
	return model, apiKey, nil
}

// prepare performs the writes of a turn in order: user message, context,
// assistant placeholder.
func (s *Session) prepare(ctx context.Context, req Request, model, apiKey string, regenerate bool) (*Turn, error) {
	store := s.deps.Store
	turn := &Turn{
		ConversationID: s.conversationID,
		Model:          model,
		done:           make(chan struct{}),
	}

	if !regenerate {
		user, err := store.AppendMessage(ctx, s.conversationID, chat.MessageDraft{
			Role:        chat.RoleUser,
			Content:     req.Text,
			Attachments: req.Attachments,
			Model:       model,
		})
		if err != nil {
			return nil, fmt.Errorf("saving user message: %w", err)
		}
		turn.UserMessageID = user.ID
	}

	history, err := store.ReadConversationMessages(ctx, s.conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if regenerate {
		last := lastUserIndex(history)
		if last < 0 {
			return nil, ErrNothingToRegenerate
		}
		turn.UserMessageID = history[last].ID
		history = history[:last+1]
	}
	messages := s.buildContext(ctx, history)

	if !regenerate {
		s.maybeName(ctx, req.Text)
	}

	placeholder, err := store.AppendMessage(ctx, s.conversationID, chat.MessageDraft{
		Role:  chat.RoleAssistant,
		Model: model,
	})
	if err != nil {
		return nil, fmt.Errorf("saving assistant placeholder: %w", err)
	}
	turn.AssistantMessageID = placeholder.ID

	turn.ctx, turn.cancel = context.WithCancel(context.WithoutCancel(ctx))
	turn.request = proxy.ChatRequest{
		Model:    model,
		Messages: messages,
		APIKey:   apiKey,
	}
	return turn, nil
}

func lastUserIndex(history []chat.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			return i
		}
	}
	return -1
}

// buildContext converts history into provider messages, prefixed by the
// system prompt. Empty assistant rows left by failed turns are skipped.
func (s *Session) buildContext(ctx context.Context, history []chat.Message) []proxy.Message {
	msgs := make([]proxy.Message, 0, len(history)+1)
	if p := s.deps.Config.SystemPrompt; p != "" {
		msgs = append(msgs, proxy.Message{Role: string(chat.RoleSystem), Content: p})
	}
	for _, m := range history {
		if m.Role == chat.RoleAssistant && m.Content == "" {
			continue
		}
		if s.deps.Builder == nil {
			msgs = append(msgs, proxy.Message{Role: string(m.Role), Content: m.Content})
			continue
		}
		msgs = append(msgs, s.deps.Builder.Message(ctx, m.Role, m.Content, m.Attachments))
	}
	return msgs
}

// maybeName titles a conversation that still has the default name after
// its first user message. Failures are logged only.
func (s *Session) maybeName(ctx context.Context, text string) {
	conv, err := s.deps.Store.GetConversation(ctx, s.conversationID)
	if err != nil {
		s.logger.Warn("loading conversation for title", "error", err)
		return
	}
	if !conversation.NeedsTitle(conv.Name) {
		return
	}
	title := conversation.FormatTitle(text)
	if title == conversation.DefaultTitle {
		return
	}
	if err := s.deps.Store.RenameConversation(ctx, s.conversationID, title); err != nil {
		s.logger.Warn("naming conversation", "error", err)
	}
}

// run owns the transport and the accumulator until the turn is final.
func (s *Session) run(t *Turn) {
	defer t.cancel()

	body, err := s.deps.Provider.Chat(t.ctx, t.request)
	if err == nil {
		s.mu.Lock()
		s.setStatusLocked(StatusStreaming)
		s.mu.Unlock()

		var r io.Reader = body
		var watchdog *time.Timer
		if d := s.deps.Config.IdleTimeout; d > 0 {
			watchdog = time.AfterFunc(d, func() { s.stall(t) })
			r = &idleReader{r: body, timer: watchdog, d: d}
		}
		err = s.consume(stream.NewParser(r))
		if watchdog != nil {
			watchdog.Stop()
		}
		body.Close()
	}

	s.mu.Lock()
	t.ended = true
	s.mu.Unlock()
	s.finish(t, err)
}

// stall cancels a turn whose provider went quiet. It is a no-op once the
// stream has ended.
func (s *Session) stall(t *Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ended {
		return
	}
	t.stalled.Store(true)
	t.cancel()
}

func (s *Session) consume(p *stream.Parser) error {
	for {
		d, err := p.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := d.(stream.EndOfStream); ok {
			continue
		}
		s.mu.Lock()
		s.acc.apply(d)
		s.publishLocked(Event{Kind: EventDelta, Status: s.status, Snapshot: s.snapshotLocked()})
		s.mu.Unlock()
	}
}

func (a *accumulator) apply(d stream.Delta) {
	switch d := d.(type) {
	case stream.ContentDelta:
		a.content += d.Text
	case stream.ReasoningDelta:
		a.reasoning += d.Text
	case stream.AnnotationDelta:
		if len(d.Annotations) > 0 {
			a.annotations = d.Annotations
		}
	case stream.UsageDelta:
		u := d.Usage
		a.usage = &u
	}
}

// finish classifies the outcome, writes the assistant message once and
// publishes the terminal status. The transport has stopped by now, so the
// accumulator is stable.
func (s *Session) finish(t *Turn, streamErr error) {
	status := StatusReady
	var turnErr error
	switch {
	case t.canceled.Load():
		status = StatusAborted
	case streamErr != nil && t.stalled.Load():
		status, turnErr = StatusError, ErrStreamStalled
	case streamErr != nil:
		status, turnErr = StatusError, streamErr
	}

	s.mu.Lock()
	acc := s.acc
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), finalizeTimeout)
	defer cancel()

	patch := chat.MessagePatch{
		Content:     &acc.content,
		Reasoning:   &acc.reasoning,
		Annotations: acc.annotations,
	}
	if acc.usage != nil {
		patch.Usage = acc.usage
		if s.deps.Pricer != nil {
			credits := s.deps.Pricer.Cost(ctx, t.Model, *acc.usage)
			patch.CreditsConsumed = &credits
		}
	}
	if err := s.deps.Store.UpdateMessage(ctx, t.AssistantMessageID, patch); err != nil {
		s.logger.Error("saving assistant message", "message", t.AssistantMessageID, "error", err)
		if turnErr == nil {
			status = StatusError
			turnErr = fmt.Errorf("saving assistant message: %w", err)
		}
	}

	switch status {
	case StatusError:
		s.logger.Warn("turn failed", "message", t.AssistantMessageID, "error", turnErr)
	case StatusAborted:
		s.logger.Info("turn canceled", "message", t.AssistantMessageID, "chars", len(acc.content))
	default:
		s.logger.Debug("turn complete", "message", t.AssistantMessageID, "chars", len(acc.content))
	}

	s.mu.Lock()
	t.err = turnErr
	t.credits = patch.CreditsConsumed
	s.setStatusLocked(status)
	t.result = s.snapshotLocked()
	s.busy = false
	s.mu.Unlock()
	close(t.done)
}

// setStatusLocked records and publishes a transition. s.mu must be held.
func (s *Session) setStatusLocked(st Status) {
	s.status = st
	var err error
	if s.turn != nil {
		err = s.turn.err
	}
	s.publishLocked(Event{Kind: EventStatus, Status: st, Snapshot: s.snapshotLocked(), Err: err})
}

// Turn is a handle on one submitted turn.
type Turn struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Model              string

	request  proxy.ChatRequest
	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
	stalled  atomic.Bool
	done     chan struct{}

	// ended is set under Session.mu once the transport has stopped.
	ended bool

	// Written under Session.mu before done is closed.
	err     error
	credits *int64
	result  Snapshot
}

// Done is closed once the turn is final and persisted.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn is final and returns its last snapshot and
// error. An aborted turn returns a nil error.
func (t *Turn) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// idleReader pushes the watchdog back on every read that returns data.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.d)
	}
	return n, err
}
