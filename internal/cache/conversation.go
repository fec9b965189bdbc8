package cache

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/medchat/internal/chat"
)

// UpsertConversation inserts or updates a conversation and its participants.
// lastMessageAt only moves forward.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertConversation(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// BulkUpsertConversations writes many conversations in a single transaction.
func (db *DB) BulkUpsertConversations(convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, c := range convs {
		if err := upsertConversation(tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertConversation(tx *sql.Tx, c chat.Conversation) error {
	pair, ok := c.Pair()
	if !ok {
		return fmt.Errorf("conversation %d: no doctor-patient pair", c.ID)
	}
	_, err := tx.Exec(`
		INSERT INTO conversations (id, doctor_id, patient_id, created_at, updated_at, last_message_at, last_message_preview, unread_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = MAX(conversations.updated_at, excluded.updated_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = excluded.unread_count`,
		c.ID, pair.DoctorID, pair.PatientID, millis(c.CreatedAt), millis(c.UpdatedAt),
		millis(c.LastMessageAt), c.LastMessagePreview, c.UnreadCount)
	if err != nil {
		return fmt.Errorf("upsert conversation %d: %w", c.ID, err)
	}
	for _, p := range c.Participants {
		_, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id, display_name, role, avatar_url)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE participants.display_name END,
				avatar_url = excluded.avatar_url`,
			c.ID, p.ID, p.DisplayName, string(p.Role), p.AvatarURL)
		if err != nil {
			return fmt.Errorf("upsert participant %d of conversation %d: %w", p.ID, c.ID, err)
		}
	}
	return nil
}

// ListConversations returns conversations, most recent activity first.
func (db *DB) ListConversations(limit, offset int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, created_at, updated_at, last_message_at, last_message_preview, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range convs {
		if convs[i].Participants, err = db.participants(convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// GetConversation returns a single conversation, or nil if it is not cached.
func (db *DB) GetConversation(id int64) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, created_at, updated_at, last_message_at, last_message_preview, unread_count
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Participants, err = db.participants(id); err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (chat.Conversation, error) {
	var (
		c                        chat.Conversation
		created, updated, lastAt int64
	)
	if err := s.Scan(&c.ID, &created, &updated, &lastAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
		return chat.Conversation{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.LastMessageAt = fromMillis(lastAt)
	return c, nil
}

func (db *DB) participants(conversationID int64) ([]chat.Participant, error) {
	rows, err := db.Query(`
		SELECT user_id, display_name, role, avatar_url
		FROM participants WHERE conversation_id = ?
		ORDER BY role`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Participant
	for rows.Next() {
		var p chat.Participant
		var role string
		if err := rows.Scan(&p.ID, &p.DisplayName, &role, &p.AvatarURL); err != nil {
			return nil, err
		}
		p.Role = chat.Role(role)
		out = append(out, p)
	}
	return out, rows.Err()
}
