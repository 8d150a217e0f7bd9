package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// Ledger is the per-receiver cache of unread counts, keyed by
// (receiver, sender). It is derived state: the number of messages from
// sender to receiver that receiver has not read. Reconcile re-derives it
// from the message log whenever the cache is suspected to have drifted.
type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Increment adds one to the (receiver, sender) entry. The upsert is a single
// statement, so concurrent sends for the same pair serialize under the
// database writer lock and no increment is lost. Call exactly once per
// persisted message.
func (l *Ledger) Increment(ctx context.Context, receiverID, senderID int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO unread_counts (receiver_id, sender_id, count) VALUES (?, ?, 1)
		ON CONFLICT(receiver_id, sender_id) DO UPDATE SET count = count + 1
	`, receiverID, senderID)
	if err != nil {
		return fmt.Errorf("failed to increment unread count: %w", err)
	}
	return nil
}

// Clear settles the (receiver, sender) entry after a read-state mutation.
// It re-derives the count from the message log in one statement rather than
// writing a literal zero: after a mark-read it lands at zero, and a send
// that commits between the mark-read and this call keeps its increment
// instead of being wiped. Callers must have verified the underlying
// read-state mutation succeeded first; client intent alone is not enough.
// Idempotent.
func (l *Ledger) Clear(ctx context.Context, receiverID, senderID int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO unread_counts (receiver_id, sender_id, count)
		VALUES (?, ?, (
			SELECT COUNT(*) FROM messages m
			WHERE m.receiver_id = ? AND m.sender_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM message_reads mr
				WHERE mr.message_id = m.id AND mr.user_id = m.receiver_id
			)
		))
		ON CONFLICT(receiver_id, sender_id) DO UPDATE SET count = excluded.count
	`, receiverID, senderID, receiverID, senderID)
	if err != nil {
		return fmt.Errorf("failed to clear unread count: %w", err)
	}
	return nil
}

// CountsFor returns a snapshot of receiver's unread counts by sender.
// Zero entries are omitted.
func (l *Ledger) CountsFor(ctx context.Context, receiverID int) (map[int]int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sender_id, count FROM unread_counts
		WHERE receiver_id = ? AND count > 0
	`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unread counts: %w", err)
	}
	defer rows.Close()

	counts := map[int]int{}
	for rows.Next() {
		var senderID, count int
		if err := rows.Scan(&senderID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[senderID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unread counts: %w", err)
	}
	return counts, nil
}

// unreadPredicate counts messages from sender to receiver with no read
// receipt by the receiver. This is the authoritative definition the cache
// must agree with.
const unreadPredicate = `
	SELECT m.sender_id, COUNT(*) FROM messages m
	WHERE m.receiver_id = ?
	AND NOT EXISTS (
		SELECT 1 FROM message_reads mr
		WHERE mr.message_id = m.id AND mr.user_id = m.receiver_id
	)
	GROUP BY m.sender_id
`

// Reconcile recomputes receiver's unread counts from the message log and
// replaces the cached rows in one transaction. It is the recovery path for
// a crash between append and increment, or any detected drift, and is
// callable independent of the live update path.
func (l *Ledger) Reconcile(ctx context.Context, receiverID int) (map[int]int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, unreadPredicate, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute unread counts: %w", err)
	}

	counts := map[int]int{}
	for rows.Next() {
		var senderID, count int
		if err := rows.Scan(&senderID, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan computed count: %w", err)
		}
		counts[senderID] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate computed counts: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM unread_counts WHERE receiver_id = ?", receiverID); err != nil {
		return nil, fmt.Errorf("failed to reset cached counts: %w", err)
	}

	for senderID, count := range counts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unread_counts (receiver_id, sender_id, count) VALUES (?, ?, ?)
		`, receiverID, senderID, count); err != nil {
			return nil, fmt.Errorf("failed to write reconciled count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconcile: %w", err)
	}
	return counts, nil
}

// ReconcileAll rebuilds the whole unread_counts table. Used by the CLI.
func (l *Ledger) ReconcileAll(ctx context.Context) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT receiver_id FROM messages
		UNION
		SELECT DISTINCT receiver_id FROM unread_counts
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list receivers: %w", err)
	}

	var receivers []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan receiver: %w", err)
		}
		receivers = append(receivers, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate receivers: %w", err)
	}
	rows.Close()

	for _, id := range receivers {
		if _, err := l.Reconcile(ctx, id); err != nil {
			return 0, fmt.Errorf("failed to reconcile receiver %d: %w", id, err)
		}
	}
	return len(receivers), nil
}

// DriftEntry is one (receiver, sender) pair where the cache disagrees with
// the message log.
type DriftEntry struct {
	ReceiverID int `json:"receiver_id"`
	SenderID   int `json:"sender_id"`
	Cached     int `json:"cached"`
	Actual     int `json:"actual"`
}

// Drift reports every pair where the cached count differs from the
// authoritative predicate. A healthy system reports none.
func (l *Ledger) Drift(ctx context.Context) ([]DriftEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		WITH actual AS (
			SELECT m.receiver_id, m.sender_id, COUNT(*) AS n FROM messages m
			WHERE NOT EXISTS (
				SELECT 1 FROM message_reads mr
				WHERE mr.message_id = m.id AND mr.user_id = m.receiver_id
			)
			GROUP BY m.receiver_id, m.sender_id
		)
		SELECT
			COALESCE(a.receiver_id, u.receiver_id),
			COALESCE(a.sender_id, u.sender_id),
			COALESCE(u.count, 0),
			COALESCE(a.n, 0)
		FROM actual a
		LEFT JOIN unread_counts u
			ON u.receiver_id = a.receiver_id AND u.sender_id = a.sender_id
		WHERE COALESCE(u.count, 0) != a.n
		UNION
		SELECT u.receiver_id, u.sender_id, u.count, COALESCE(a.n, 0)
		FROM unread_counts u
		LEFT JOIN actual a
			ON a.receiver_id = u.receiver_id AND a.sender_id = u.sender_id
		WHERE u.count != COALESCE(a.n, 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute drift: %w", err)
	}
	defer rows.Close()

	var drift []DriftEntry
	for rows.Next() {
		var e DriftEntry
		if err := rows.Scan(&e.ReceiverID, &e.SenderID, &e.Cached, &e.Actual); err != nil {
			return nil, fmt.Errorf("failed to scan drift entry: %w", err)
		}
		drift = append(drift, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate drift entries: %w", err)
	}
	return drift, nil
}
