// Package conversation is the single entry point for conversation
// persistence. It routes every call to the backend that owns the
// conversation and encrypts names, contents and reasoning of remote
// conversations on the way in and decrypts them on the way out.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/keys"
	"github.com/kalambet/chatter/internal/storage"
)

var (
	// ErrNoKey is returned for remote conversations when no encryption key
	// is loaded. Nothing is written.
	ErrNoKey = errors.New("no encryption key for remote conversation")
	// ErrBackendUnavailable is returned when the requested backend is not
	// configured.
	ErrBackendUnavailable = errors.New("backend not configured")
	// ErrNotFound is returned for unknown conversation or message ids.
	ErrNotFound = storage.ErrNotFound
)

// Backend is the table-level surface of one storage engine.
// *storage.Store implements it.
type Backend interface {
	CreateConversation(ctx context.Context, c chat.Conversation) error
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error)
	RenameConversation(ctx context.Context, id, name string) error
	DeleteConversation(ctx context.Context, id string) error
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	UpdateMessage(ctx context.Context, id string, p chat.MessagePatch) error
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	Sync(ctx context.Context) error
}

// Options configure a Store. Remote and Cipher may be nil, in which case
// remote conversations are unavailable or rejected with ErrNoKey.
type Options struct {
	Local  Backend
	Remote Backend
	Cipher *keys.Cipher
	// Owner is recorded on new conversations and filters listings.
	Owner string
}

// Store is safe for concurrent use.
type Store struct {
	local  Backend
	remote Backend
	cipher *keys.Cipher
	owner  string
	now    func() time.Time
	logger *slog.Logger

	// routes caches conversation and message ids to their backend.
	routes sync.Map
}

// New returns a Store over the backends in opts. Remote may be nil, in
// which case remote conversations cannot be created.
func New(opts Options) *Store {
	return &Store{
		local:  opts.Local,
		remote: opts.Remote,
		cipher: opts.Cipher,
		owner:  opts.Owner,
		now:    time.Now,
		logger: slog.Default(),
	}
}

func (s *Store) backend(b chat.Backend) (Backend, error) {
	switch b {
	case chat.BackendLocal:
		if s.local != nil {
			return s.local, nil
		}
	case chat.BackendRemote:
		if s.remote != nil {
			return s.remote, nil
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", b)
	}
	return nil, fmt.Errorf("%s: %w", b, ErrBackendUnavailable)
}

// codec returns the encryption for backend b: identity for local, the
// cipher for remote.
func (s *Store) codec(b chat.Backend) (codec, error) {
	if b != chat.BackendRemote {
		return plainCodec{}, nil
	}
	if s.cipher == nil {
		return nil, ErrNoKey
	}
	return s.cipher, nil
}

type codec interface {
	Encrypt(string) (string, error)
	Decrypt(string) string
}

type plainCodec struct{}

func (plainCodec) Encrypt(s string) (string, error) { return s, nil }
func (plainCodec) Decrypt(s string) string          { return s }

// CreateConversation creates an empty conversation in backend b.
func (s *Store) CreateConversation(ctx context.Context, b chat.Backend, name string) (chat.Conversation, error) {
	be, err := s.backend(b)
	if err != nil {
		return chat.Conversation{}, err
	}
	cd, err := s.codec(b)
	if err != nil {
		return chat.Conversation{}, err
	}
	stored, err := cd.Encrypt(name)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("encrypting name: %w", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	c := chat.Conversation{
		ID:        uuid.NewString(),
		Name:      stored,
		CreatedAt: now,
		UpdatedAt: now,
		Backend:   b,
		Owner:     s.owner,
	}
	if err := be.CreateConversation(ctx, c); err != nil {
		return chat.Conversation{}, err
	}
	s.routes.Store(c.ID, b)

	c.Name = name
	s.logger.Debug("conversation created", "id", c.ID, "backend", b)
	return c, nil
}

// locate finds the backend owning a conversation or message id. lookup is
// called on the local backend first, then on the remote one.
func (s *Store) locate(ctx context.Context, id string, lookup func(Backend) error) (chat.Backend, Backend, error) {
	if v, ok := s.routes.Load(id); ok {
		b := v.(chat.Backend)
		be, err := s.backend(b)
		return b, be, err
	}
	for _, b := range []chat.Backend{chat.BackendLocal, chat.BackendRemote} {
		be, err := s.backend(b)
		if err != nil {
			continue
		}
		err = lookup(be)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		s.routes.Store(id, b)
		return b, be, nil
	}
	return "", nil, ErrNotFound
}

func (s *Store) locateConversation(ctx context.Context, id string) (chat.Backend, Backend, error) {
	return s.locate(ctx, id, func(be Backend) error {
		_, err := be.GetConversation(ctx, id)
		return err
	})
}

func (s *Store) locateMessage(ctx context.Context, id string) (chat.Backend, Backend, error) {
	return s.locate(ctx, id, func(be Backend) error {
		_, err := be.GetMessage(ctx, id)
		return err
	})
}

// GetConversation returns a conversation with its name decrypted.
func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	b, be, err := s.locateConversation(ctx, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	cd, err := s.codec(b)
	if err != nil {
		return chat.Conversation{}, err
	}
	c, err := be.GetConversation(ctx, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	c.Name = cd.Decrypt(c.Name)
	c.Backend = b
	return c, nil
}

// ListConversations returns the owner's conversations in backend b, or in
// every configured backend when b is empty, most recently updated first.
// Remote conversations are skipped without a key when listing everything.
func (s *Store) ListConversations(ctx context.Context, b chat.Backend) ([]chat.Conversation, error) {
	targets := []chat.Backend{b}
	if b == "" {
		targets = []chat.Backend{chat.BackendLocal, chat.BackendRemote}
	}

	var out []chat.Conversation
	for _, t := range targets {
		be, err := s.backend(t)
		if err != nil {
			if b == "" {
				continue
			}
			return nil, err
		}
		cd, err := s.codec(t)
		if err != nil {
			if b == "" {
				s.logger.Warn("skipping remote conversations, no encryption key loaded")
				continue
			}
			return nil, err
		}
		list, err := be.ListConversations(ctx, s.owner)
		if err != nil {
			return nil, fmt.Errorf("listing %s conversations: %w", t, err)
		}
		for _, c := range list {
			c.Name = cd.Decrypt(c.Name)
			c.Backend = t
			s.routes.Store(c.ID, t)
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) RenameConversation(ctx context.Context, id, name string) error {
	b, be, err := s.locateConversation(ctx, id)
	if err != nil {
		return err
	}
	cd, err := s.codec(b)
	if err != nil {
		return err
	}
	stored, err := cd.Encrypt(name)
	if err != nil {
		return fmt.Errorf("encrypting name: %w", err)
	}
	return be.RenameConversation(ctx, id, stored)
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, be, err := s.locateConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := be.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.routes.Delete(id)
	return nil
}

// AppendMessage stores a new message in the conversation's backend. The
// message is durable when AppendMessage returns, and its CreatedAt sorts
// after every earlier message of the conversation. The returned message
// holds plaintext.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, d chat.MessageDraft) (chat.Message, error) {
	if !d.Role.Valid() {
		return chat.Message{}, fmt.Errorf("invalid role %q", d.Role)
	}
	b, be, err := s.locateConversation(ctx, conversationID)
	if err != nil {
		return chat.Message{}, err
	}
	cd, err := s.codec(b)
	if err != nil {
		return chat.Message{}, err
	}

	content, err := cd.Encrypt(d.Content)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encrypting content: %w", err)
	}
	reasoning, err := cd.Encrypt(d.Reasoning)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encrypting reasoning: %w", err)
	}

	stored, err := be.InsertMessage(ctx, chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           d.Role,
		Content:        content,
		Reasoning:      reasoning,
		Model:          d.Model,
		Attachments:    d.Attachments,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return chat.Message{}, err
	}
	s.routes.Store(stored.ID, b)

	stored.Content = d.Content
	stored.Reasoning = d.Reasoning
	return stored, nil
}

// UpdateMessage replaces the fields set in p. Content and reasoning are
// encrypted for remote conversations; usage, credits and annotations are
// stored as is in both backends.
func (s *Store) UpdateMessage(ctx context.Context, messageID string, p chat.MessagePatch) error {
	b, be, err := s.locateMessage(ctx, messageID)
	if err != nil {
		return err
	}
	cd, err := s.codec(b)
	if err != nil {
		return err
	}

	if p.Content != nil {
		enc, err := cd.Encrypt(*p.Content)
		if err != nil {
			return fmt.Errorf("encrypting content: %w", err)
		}
		p.Content = &enc
	}
	if p.Reasoning != nil {
		enc, err := cd.Encrypt(*p.Reasoning)
		if err != nil {
			return fmt.Errorf("encrypting reasoning: %w", err)
		}
		p.Reasoning = &enc
	}
	return be.UpdateMessage(ctx, messageID, p)
}

// GetMessage returns one message with content and reasoning decrypted.
func (s *Store) GetMessage(ctx context.Context, messageID string) (chat.Message, error) {
	b, be, err := s.locateMessage(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	cd, err := s.codec(b)
	if err != nil {
		return chat.Message{}, err
	}
	m, err := be.GetMessage(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	return decryptMessage(cd, m), nil
}

// ReadConversationMessages returns the conversation's messages ordered by
// CreatedAt ascending, with content and reasoning decrypted.
func (s *Store) ReadConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	b, be, err := s.locateConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cd, err := s.codec(b)
	if err != nil {
		return nil, err
	}
	msgs, err := be.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i] = decryptMessage(cd, msgs[i])
	}
	return msgs, nil
}

func decryptMessage(cd codec, m chat.Message) chat.Message {
	m.Content = cd.Decrypt(m.Content)
	m.Reasoning = cd.Decrypt(m.Reasoning)
	return m
}

// Sync pulls the remote replica, if one is configured.
func (s *Store) Sync(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	return s.remote.Sync(ctx)
}
