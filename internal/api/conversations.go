package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/session"
)

// ConversationJSON is the wire form of a conversation.
type ConversationJSON struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Backend   chat.Backend `json:"backend"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func toConversationJSON(c chat.Conversation) ConversationJSON {
	return ConversationJSON{
		ID:        c.ID,
		Name:      c.Name,
		Backend:   c.Backend,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}

// MessageJSON is the wire form of a message.
type MessageJSON struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	Role            chat.Role         `json:"role"`
	Content         string            `json:"content"`
	Reasoning       string            `json:"reasoning,omitempty"`
	Model           string            `json:"model,omitempty"`
	Usage           *chat.Usage       `json:"usage,omitempty"`
	CreditsConsumed *int64            `json:"credits_consumed,omitempty"`
	Annotations     []chat.Annotation `json:"annotations,omitempty"`
	Attachments     []chat.Attachment `json:"attachments,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func toMessageJSON(m chat.Message) MessageJSON {
	return MessageJSON{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Role:            m.Role,
		Content:         m.Content,
		Reasoning:       m.Reasoning,
		Model:           m.Model,
		Usage:           m.Usage,
		CreditsConsumed: m.CreditsConsumed,
		Annotations:     m.Annotations,
		Attachments:     m.Attachments,
		CreatedAt:       m.CreatedAt.UTC(),
	}
}

type createConversationRequest struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

type renameConversationRequest struct {
	Name string `json:"name"`
}

// SubmitRequest is the body of POST /v1/conversations/{id}/messages and
// /regenerate. Content and Attachments are ignored by regenerate.
type SubmitRequest struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	Model       string            `json:"model,omitempty"`
}

// TurnJSON acknowledges an accepted turn.
type TurnJSON struct {
	ConversationID     string         `json:"conversation_id"`
	UserMessageID      string         `json:"user_message_id"`
	AssistantMessageID string         `json:"assistant_message_id"`
	Model              string         `json:"model"`
	Status             session.Status `json:"status"`
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var backend chat.Backend
		if b := r.URL.Query().Get("backend"); b != "" {
			parsed, err := chat.ParseBackend(b)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			backend = parsed
		}

		convs, err := deps.Conversations.ListConversations(r.Context(), backend)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]ConversationJSON, len(convs))
		for i, c := range convs {
			out[i] = toConversationJSON(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		backend, err := chat.ParseBackend(req.Backend)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		c, err := deps.Conversations.CreateConversation(r.Context(), backend, req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toConversationJSON(c))
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Conversations.GetConversation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toConversationJSON(c))
	}
}

func handleRenameConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renameConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		id := chi.URLParam(r, "id")
		if err := deps.Conversations.RenameConversation(r.Context(), id, req.Name); err != nil {
			writeError(w, err)
			return
		}
		c, err := deps.Conversations.GetConversation(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toConversationJSON(c))
	}
}

func handleDeleteConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if s, ok := deps.Sessions.Lookup(id); ok && s.Busy() {
			writeError(w, session.ErrBusy)
			return
		}
		if err := deps.Conversations.DeleteConversation(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		deps.Sessions.Forget(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Conversations.ReadConversationMessages(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]MessageJSON, len(msgs))
		for i, m := range msgs {
			out[i] = toMessageJSON(m)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// sessionFor resolves the session of an existing conversation.
func sessionFor(w http.ResponseWriter, r *http.Request, deps Deps) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	if _, err := deps.Conversations.GetConversation(r.Context(), id); err != nil {
		writeError(w, err)
		return nil, false
	}
	return deps.Sessions.Get(id), true
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s, ok := sessionFor(w, r, deps)
		if !ok {
			return
		}

		turn, err := s.SubmitRequest(r.Context(), session.Request{
			Text:        req.Content,
			Attachments: req.Attachments,
			Model:       req.Model,
			APIKey:      r.Header.Get(ProviderKeyHeader),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, toTurnJSON(turn, s))
	}
}

func handleRegenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		s, ok := sessionFor(w, r, deps)
		if !ok {
			return
		}

		turn, err := s.Regenerate(r.Context(), session.Request{
			Model:  req.Model,
			APIKey: r.Header.Get(ProviderKeyHeader),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, toTurnJSON(turn, s))
	}
}

func toTurnJSON(t *session.Turn, s *session.Session) TurnJSON {
	return TurnJSON{
		ConversationID:     t.ConversationID,
		UserMessageID:      t.UserMessageID,
		AssistantMessageID: t.AssistantMessageID,
		Model:              t.Model,
		Status:             s.Status(),
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Sessions.Lookup(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, session.ErrNotInFlight)
			return
		}
		if err := s.Cancel(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFor(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}
