package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rahemur0910/ChatAppliocation/internal/db"
	"github.com/rahemur0910/ChatAppliocation/pkg/config"
)

func createDriftedDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "chatapp.db")
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer dbConn.Close()

	if _, err := dbConn.Exec(db.Schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	_, err = dbConn.Exec(`
		INSERT INTO users (id, username, password_hash) VALUES (1, 'u1', 'x');
		INSERT INTO users (id, username, password_hash) VALUES (2, 'u2', 'x');
		INSERT INTO messages (sender_id, receiver_id, text) VALUES (2, 1, 'hi');
		INSERT INTO messages (sender_id, receiver_id, text) VALUES (2, 1, 'there');
		INSERT INTO unread_counts (receiver_id, sender_id, count) VALUES (1, 2, 99);
	`)
	if err != nil {
		t.Fatalf("failed to seed data: %v", err)
	}

	return dbPath
}

func cachedCount(t *testing.T, dbPath string, receiverID, senderID int) int {
	t.Helper()

	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer dbConn.Close()

	var count int
	err = dbConn.QueryRow(
		"SELECT COALESCE(SUM(count), 0) FROM unread_counts WHERE receiver_id = ? AND sender_id = ?",
		receiverID, senderID,
	).Scan(&count)
	if err != nil {
		t.Fatalf("failed to read cached count: %v", err)
	}
	return count
}

func TestParseReconcileArgs(t *testing.T) {
	cfg := &config.Config{DatabasePath: "/tmp/chatapp.db"}

	opts, err := parseReconcileArgs(cfg, []string{"--user", "7", "--json", "--dry-run"})
	if err != nil {
		t.Fatalf("parseReconcileArgs returned error: %v", err)
	}
	if opts.UserID != 7 || !opts.JSON || !opts.DryRun {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.DatabasePath != "/tmp/chatapp.db" {
		t.Fatalf("expected database path from config, got %q", opts.DatabasePath)
	}

	if _, err := parseReconcileArgs(cfg, []string{"--user", "zero"}); err == nil {
		t.Fatalf("expected error for non-numeric user id")
	}
	if _, err := parseReconcileArgs(cfg, []string{"--user"}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	if _, err := parseReconcileArgs(cfg, []string{"--bad"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestReconcileRepairsDriftedCounter(t *testing.T) {
	dbPath := createDriftedDB(t)
	cfg := &config.Config{DatabasePath: dbPath}

	var out bytes.Buffer
	if err := runReconcile(cfg, &out, nil); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if !strings.Contains(out.String(), "cached=99 actual=2") {
		t.Fatalf("expected drift report, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Counters rebuilt") {
		t.Fatalf("expected completion output, got: %s", out.String())
	}

	if got := cachedCount(t, dbPath, 1, 2); got != 2 {
		t.Fatalf("cached count after reconcile = %d, want 2", got)
	}
}

func TestReconcileDryRunLeavesCounters(t *testing.T) {
	dbPath := createDriftedDB(t)
	cfg := &config.Config{DatabasePath: dbPath}

	var out bytes.Buffer
	if err := runReconcile(cfg, &out, []string{"--dry-run"}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if !strings.Contains(out.String(), "Dry-run: no changes applied.") {
		t.Fatalf("expected dry-run output, got: %s", out.String())
	}

	if got := cachedCount(t, dbPath, 1, 2); got != 99 {
		t.Fatalf("dry-run must not touch counters, cached = %d, want 99", got)
	}
}

func TestReconcileSingleUserScope(t *testing.T) {
	dbPath := createDriftedDB(t)

	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := dbConn.Exec("INSERT INTO unread_counts (receiver_id, sender_id, count) VALUES (2, 1, 50)"); err != nil {
		t.Fatalf("failed to seed second drift: %v", err)
	}
	dbConn.Close()

	cfg := &config.Config{DatabasePath: dbPath}

	var out bytes.Buffer
	if err := runReconcile(cfg, &out, []string{"--user", "2"}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if got := cachedCount(t, dbPath, 2, 1); got != 0 {
		t.Fatalf("user 2 counter should be repaired, cached = %d, want 0", got)
	}
	if got := cachedCount(t, dbPath, 1, 2); got != 99 {
		t.Fatalf("user 1 counter should be untouched, cached = %d, want 99", got)
	}
}

func TestReconcileJSONOutput(t *testing.T) {
	dbPath := createDriftedDB(t)
	cfg := &config.Config{DatabasePath: dbPath}

	var out bytes.Buffer
	if err := runReconcile(cfg, &out, []string{"--json"}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	var payload struct {
		Applied    bool `json:"applied"`
		DriftCount int  `json:"drift_count"`
		Drift      []struct {
			ReceiverID int `json:"receiver_id"`
			SenderID   int `json:"sender_id"`
			Cached     int `json:"cached"`
			Actual     int `json:"actual"`
		} `json:"drift"`
	}
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}

	if !payload.Applied {
		t.Fatalf("expected applied=true")
	}
	if payload.DriftCount != 1 || len(payload.Drift) != 1 {
		t.Fatalf("unexpected drift payload: %+v", payload)
	}
	if payload.Drift[0].Cached != 99 || payload.Drift[0].Actual != 2 {
		t.Fatalf("unexpected drift entry: %+v", payload.Drift[0])
	}
}

func TestReconcileConsistentDatabase(t *testing.T) {
	dbPath := createDriftedDB(t)
	cfg := &config.Config{DatabasePath: dbPath}

	var out bytes.Buffer
	if err := runReconcile(cfg, &out, nil); err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}

	out.Reset()
	if err := runReconcile(cfg, &out, nil); err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if !strings.Contains(out.String(), "Nothing to repair") {
		t.Fatalf("expected consistent output, got: %s", out.String())
	}
}
