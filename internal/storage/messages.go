package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatter/internal/chat"
)

const messageColumns = `id, conversation_id, role, content, reasoning, model,
	prompt_tokens, completion_tokens, credits_consumed, annotations, attachments, created_at`

// InsertMessage stores m and returns it with its final CreatedAt. The
// timestamp is m.CreatedAt (or now) raised, if needed, to one millisecond
// past the newest message of the conversation, so insertion order is also
// created_at order. The conversation's updated_at is bumped in the same
// transaction.
func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	annotations, err := marshalList(m.Annotations)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encoding annotations: %w", err)
	}
	attachments, err := marshalList(m.Attachments)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encoding attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT MAX(created_at) FROM messages WHERE conversation_id = ?)
		FROM conversations WHERE id = ?`, m.ConversationID, m.ConversationID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("reading last message time: %w", err)
	}

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	ms := toMillis(created)
	if last.Valid && ms <= last.Int64 {
		ms = last.Int64 + 1
	}

	var prompt, completion sql.NullInt64
	if m.Usage != nil {
		prompt = sql.NullInt64{Int64: int64(m.Usage.PromptTokens), Valid: true}
		completion = sql.NullInt64{Int64: int64(m.Usage.CompletionTokens), Valid: true}
	}
	var credits sql.NullInt64
	if m.CreditsConsumed != nil {
		credits = sql.NullInt64{Int64: *m.CreditsConsumed, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.Reasoning, m.Model,
		prompt, completion, credits, annotations, attachments, ms,
	)
	if err != nil {
		return chat.Message{}, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`, ms, m.ConversationID,
	); err != nil {
		return chat.Message{}, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("committing message: %w", err)
	}

	m.CreatedAt = fromMillis(ms)
	return m, nil
}

// UpdateMessage replaces the fields set in p. An empty patch only checks
// that the message exists.
func (s *Store) UpdateMessage(ctx context.Context, id string, p chat.MessagePatch) error {
	var sets []string
	var args []any

	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Reasoning != nil {
		sets = append(sets, "reasoning = ?")
		args = append(args, *p.Reasoning)
	}
	if p.Usage != nil {
		sets = append(sets, "prompt_tokens = ?", "completion_tokens = ?")
		args = append(args, p.Usage.PromptTokens, p.Usage.CompletionTokens)
	}
	if p.CreditsConsumed != nil {
		sets = append(sets, "credits_consumed = ?")
		args = append(args, *p.CreditsConsumed)
	}
	if p.Annotations != nil {
		b, err := marshalList(p.Annotations)
		if err != nil {
			return fmt.Errorf("encoding annotations: %w", err)
		}
		sets = append(sets, "annotations = ?")
		args = append(args, b)
	}

	if len(sets) == 0 {
		_, err := s.GetMessage(ctx, id)
		return err
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	return expectOne(res)
}

func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns the messages of a conversation ordered by
// created_at ascending.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var results []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func scanMessage(sc scanner) (chat.Message, error) {
	var m chat.Message
	var role, annotations, attachments string
	var prompt, completion, credits sql.NullInt64
	var created int64
	if err := sc.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Reasoning, &m.Model,
		&prompt, &completion, &credits, &annotations, &attachments, &created); err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	m.CreatedAt = fromMillis(created)
	if prompt.Valid || completion.Valid {
		m.Usage = &chat.Usage{PromptTokens: int(prompt.Int64), CompletionTokens: int(completion.Int64)}
	}
	if credits.Valid {
		v := credits.Int64
		m.CreditsConsumed = &v
	}
	if err := unmarshalList(annotations, &m.Annotations); err != nil {
		return chat.Message{}, fmt.Errorf("decoding annotations of message %s: %w", m.ID, err)
	}
	if err := unmarshalList(attachments, &m.Attachments); err != nil {
		return chat.Message{}, fmt.Errorf("decoding attachments of message %s: %w", m.ID, err)
	}
	return m, nil
}

func marshalList[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalList[T any](s string, dst *[]T) error {
	if s == "" || s == "[]" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
