package ledger

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahemur0910/ChatAppliocation/internal/db"
	"github.com/rahemur0910/ChatAppliocation/internal/store"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Shared-cache in-memory database so the pool's connections all see
	// the same tables during concurrent tests.
	conn, err := sql.Open("sqlite3", "file:ledgertest?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec("PRAGMA busy_timeout=5000")
	require.NoError(t, err)
	_, err = conn.Exec(db.Schema)
	require.NoError(t, err)

	_, err = conn.Exec("DELETE FROM message_reads")
	require.NoError(t, err)
	_, err = conn.Exec("DELETE FROM messages")
	require.NoError(t, err)
	_, err = conn.Exec("DELETE FROM unread_counts")
	require.NoError(t, err)
	_, err = conn.Exec("DELETE FROM users")
	require.NoError(t, err)

	_, err = conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (1, 'alice', 'h'), (2, 'bob', 'h'), (3, 'carol', 'h')")
	require.NoError(t, err)

	return conn
}

func TestIncrementAndCountsFor(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, l.Increment(ctx, 2, 1))
	require.NoError(t, l.Increment(ctx, 2, 1))
	require.NoError(t, l.Increment(ctx, 2, 3))

	counts, err := l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 2, 3: 1}, counts)

	// Other receivers unaffected
	counts, err = l.CountsFor(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestClearIdempotent(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, l.Increment(ctx, 2, 1))
	require.NoError(t, l.Clear(ctx, 2, 1))

	counts, err := l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, counts, "cleared entries are omitted from the snapshot")

	// Clearing twice leaves the entry at zero both times
	require.NoError(t, l.Clear(ctx, 2, 1))
	counts, err = l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, counts)

	// Clearing a pair that never had an entry is fine too
	require.NoError(t, l.Clear(ctx, 3, 1))
}

func TestConcurrentIncrementsLoseNothing(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Increment(ctx, 2, 1)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	counts, err := l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, n, counts[1], "no increment may be lost under concurrent writers")
}

func TestReconcileRepairsDrift(t *testing.T) {
	conn := setupTestDB(t)
	l := New(conn)
	s := store.New(conn)
	ctx := context.Background()

	// Three unread messages from alice to bob, one already read
	_, err := s.Append(ctx, 1, 2, "a", "")
	require.NoError(t, err)
	_, err = s.Append(ctx, 1, 2, "b", "")
	require.NoError(t, err)
	read, err := s.Append(ctx, 1, 2, "c", "")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO message_reads (message_id, user_id) VALUES (?, 2)", read.ID)
	require.NoError(t, err)

	// Seed a wrong cache value, as if a crash landed between append and increment
	_, err = conn.Exec("INSERT INTO unread_counts (receiver_id, sender_id, count) VALUES (2, 1, 99)")
	require.NoError(t, err)

	counts, err := l.Reconcile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 2}, counts)

	cached, err := l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 2}, cached, "cache now matches the message log")
}

func TestReconcileDropsStaleEntries(t *testing.T) {
	conn := setupTestDB(t)
	l := New(conn)
	ctx := context.Background()

	// Cache claims unread messages that do not exist
	_, err := conn.Exec("INSERT INTO unread_counts (receiver_id, sender_id, count) VALUES (2, 1, 5)")
	require.NoError(t, err)

	counts, err := l.Reconcile(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, counts)

	cached, err := l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestDrift(t *testing.T) {
	conn := setupTestDB(t)
	l := New(conn)
	s := store.New(conn)
	ctx := context.Background()

	_, err := s.Append(ctx, 1, 2, "hi", "")
	require.NoError(t, err)

	// No increment ran: cache says 0, log says 1
	drift, err := l.Drift(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, 2, drift[0].ReceiverID)
	assert.Equal(t, 1, drift[0].SenderID)
	assert.Equal(t, 0, drift[0].Cached)
	assert.Equal(t, 1, drift[0].Actual)

	// After reconcile the report is clean
	_, err = l.Reconcile(ctx, 2)
	require.NoError(t, err)
	drift, err = l.Drift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestLedgerMatchesPredicateThroughSendReadCycle(t *testing.T) {
	conn := setupTestDB(t)
	l := New(conn)
	s := store.New(conn)
	ctx := context.Background()

	// Mirror the server send path: append then increment
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, 1, 2, "msg", "")
		require.NoError(t, err)
		require.NoError(t, l.Increment(ctx, 2, 1))
	}

	drift, err := l.Drift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)

	// Mirror the read path: markRead then clear
	marked, err := s.MarkRead(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)
	require.NoError(t, l.Clear(ctx, 2, 1))

	drift, err = l.Drift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestSendBetweenMarkReadAndClearKeepsIncrement(t *testing.T) {
	conn := setupTestDB(t)
	l := New(conn)
	s := store.New(conn)
	ctx := context.Background()

	_, err := s.Append(ctx, 1, 2, "before", "")
	require.NoError(t, err)
	require.NoError(t, l.Increment(ctx, 2, 1))

	// Read path starts: the existing message gets its receipt
	marked, err := s.MarkRead(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	// A concurrent send path commits between the mark-read and the clear
	_, err = s.Append(ctx, 1, 2, "interleaved", "")
	require.NoError(t, err)
	require.NoError(t, l.Increment(ctx, 2, 1))

	// The clear must settle to the read state, not erase the new message
	require.NoError(t, l.Clear(ctx, 2, 1))

	counts, err := l.CountsFor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 1}, counts)

	drift, err := l.Drift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}
