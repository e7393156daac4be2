package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/chatter/internal/chat"
)

func (s *Store) CreateConversation(ctx context.Context, c chat.Conversation) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, name, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Owner, toMillis(c.CreatedAt), toMillis(updated),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := s.scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns conversations, most recently updated first. An
// empty owner lists every conversation.
func (s *Store) ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error) {
	query := `SELECT id, name, owner, created_at, updated_at FROM conversations`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var results []chat.Conversation
	for rows.Next() {
		c, err := s.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) RenameConversation(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConversation(sc scanner) (chat.Conversation, error) {
	var c chat.Conversation
	var created, updated int64
	if err := sc.Scan(&c.ID, &c.Name, &c.Owner, &created, &updated); err != nil {
		return chat.Conversation{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.Backend = s.backend
	return c, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
