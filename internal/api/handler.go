package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/conversation"
	"github.com/kalambet/chatter/internal/pricing"
	"github.com/kalambet/chatter/internal/proxy"
	"github.com/kalambet/chatter/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ProviderKeyHeader lets a client supply its own OpenRouter key per request.
const ProviderKeyHeader = "X-OpenRouter-Key"

// Conversations is the persistence surface of the API.
// *conversation.Store implements it.
type Conversations interface {
	CreateConversation(ctx context.Context, b chat.Backend, name string) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, b chat.Backend) ([]chat.Conversation, error)
	RenameConversation(ctx context.Context, id, name string) error
	DeleteConversation(ctx context.Context, id string) error
	ReadConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Catalog lists models and their rates. *pricing.Catalog implements it.
type Catalog interface {
	Models(ctx context.Context) ([]proxy.Model, error)
	Rates(ctx context.Context, model string) (pricing.Rates, bool)
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Conversations Conversations
	Sessions      *session.Manager
	Catalog       Catalog
	Token         string
}

// NewHandler returns the HTTP API. Everything under /v1 requires the bearer
// token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/models", handleModels(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Post("/conversations", handleCreateConversation(deps))
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", handleGetConversation(deps))
			r.Patch("/", handleRenameConversation(deps))
			r.Delete("/", handleDeleteConversation(deps))
			r.Get("/messages", handleListMessages(deps))
			r.Post("/messages", handleSubmit(deps))
			r.Post("/regenerate", handleRegenerate(deps))
			r.Post("/cancel", handleCancel(deps))
			r.Get("/session", handleSnapshot(deps))
			r.Get("/events", handleEvents(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ModelInfo is a catalog entry with rates in USD per million tokens.
type ModelInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	ContextLength int           `json:"context_length,omitempty"`
	Rates         pricing.Rates `json:"rates"`
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Catalog.Models(r.Context())
		if err != nil && len(models) == 0 {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}

		models = pricing.Search(models, r.URL.Query().Get("q"))
		out := make([]ModelInfo, len(models))
		for i, m := range models {
			rates, _ := deps.Catalog.Rates(r.Context(), m.ID)
			out[i] = ModelInfo{ID: m.ID, Name: m.Name, ContextLength: m.ContextLength, Rates: rates}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, conversation.ErrNoKey):
		httpError(w, http.StatusPreconditionFailed, "encryption_key_error", "%v", err)
	case errors.Is(err, conversation.ErrBackendUnavailable),
		errors.Is(err, session.ErrEmptyInput),
		errors.Is(err, session.ErrNoModel),
		errors.Is(err, session.ErrNothingToRegenerate):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, session.ErrMissingAPIKey):
		httpError(w, http.StatusPreconditionFailed, "configuration_error", "%v", err)
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotInFlight):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
