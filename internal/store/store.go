package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rahemur0910/ChatAppliocation/internal/models"
)

// Sentinel errors surfaced to handlers. Wrap with %w and branch with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// Store is the durable message log and the source of truth for read state.
// The unread ledger is a cache derived from this store's predicate:
// sender=s, receiver=r, r not in read-by.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append persists a new message. The message is committed before Append
// returns; nothing downstream (ledger increment, dispatch) may run on an
// unpersisted message.
func (s *Store) Append(ctx context.Context, senderID, receiverID int, text, imageURL string) (*models.Message, error) {
	if text == "" && imageURL == "" {
		return nil, fmt.Errorf("%w: message needs text or an image", ErrValidation)
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", receiverID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check receiver: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: receiver %d", ErrNotFound, receiverID)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, text, image_url, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, senderID, receiverID, nullable(text), nullable(imageURL))
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	return s.byID(ctx, int(id))
}

// History returns all messages between userA and userB, either direction,
// ascending by creation time. Re-callable; not a stream.
func (s *Store) History(ctx context.Context, userA, userB int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, text, image_url, created_at
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
	`, userA, userB, userB, userA)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.ImageURL, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	if err := s.attachReadBy(ctx, messages); err != nil {
		return nil, err
	}

	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}

// MarkRead adds reader to the read-by set of every message from counterpart
// to reader that reader has not read yet. One statement, so concurrent calls
// for the same pair never race a read-modify-write. Idempotent: a second
// call right after the first reports 0 newly marked.
func (s *Store) MarkRead(ctx context.Context, readerID, counterpartID int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, user_id)
		SELECT m.id, ? FROM messages m
		WHERE m.sender_id = ? AND m.receiver_id = ?
	`, readerID, counterpartID, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count marked messages: %w", err)
	}
	return int(marked), nil
}

// UserExists reports whether a user row exists.
func (s *Store) UserExists(ctx context.Context, userID int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}

// Users lists candidate counterparts, excluding excludeID.
func (s *Store) Users(ctx context.Context, excludeID int) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id != ? ORDER BY username
	`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	if users == nil {
		users = []*models.User{}
	}
	return users, nil
}

func (s *Store) byID(ctx context.Context, id int) (*models.Message, error) {
	msg := &models.Message{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, text, image_url, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.ImageURL, &msg.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	if err := s.attachReadBy(ctx, []*models.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) attachReadBy(ctx context.Context, messages []*models.Message) error {
	for _, msg := range messages {
		rows, err := s.db.QueryContext(ctx,
			"SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY user_id", msg.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch read receipts: %w", err)
		}
		readBy := []int{}
		for rows.Next() {
			var userID int
			if err := rows.Scan(&userID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan read receipt: %w", err)
			}
			readBy = append(readBy, userID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("failed to iterate read receipts: %w", err)
		}
		rows.Close()
		msg.ReadBy = readBy
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
