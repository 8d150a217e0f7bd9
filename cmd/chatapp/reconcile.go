package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rahemur0910/ChatAppliocation/internal/ledger"
	"github.com/rahemur0910/ChatAppliocation/pkg/config"
)

type reconcileOptions struct {
	DatabasePath string
	UserID       int
	DryRun       bool
	JSON         bool
}

func parseReconcileArgs(cfg *config.Config, args []string) (reconcileOptions, error) {
	opts := reconcileOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json", "-j":
			opts.JSON = true
		case "--dry-run":
			opts.DryRun = true
		case "--user":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--user requires a user id")
			}
			id, err := strconv.Atoi(args[i])
			if err != nil || id <= 0 {
				return opts, fmt.Errorf("invalid user id: %q", args[i])
			}
			opts.UserID = id
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown reconcile flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runReconcile(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseReconcileArgs(cfg, args)
	if err != nil {
		return err
	}

	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx := context.Background()
	unread := ledger.New(dbConn)

	drift, err := unread.Drift(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute drift: %w", err)
	}
	if opts.UserID > 0 {
		filtered := drift[:0]
		for _, e := range drift {
			if e.ReceiverID == opts.UserID {
				filtered = append(filtered, e)
			}
		}
		drift = filtered
	}

	if opts.DryRun {
		return printReconcileReport(out, opts, drift, false)
	}

	if opts.UserID > 0 {
		if _, err := unread.Reconcile(ctx, opts.UserID); err != nil {
			return fmt.Errorf("failed to reconcile user %d: %w", opts.UserID, err)
		}
	} else {
		if _, err := unread.ReconcileAll(ctx); err != nil {
			return fmt.Errorf("failed to reconcile unread counts: %w", err)
		}
	}

	return printReconcileReport(out, opts, drift, true)
}

func printReconcileReport(out io.Writer, opts reconcileOptions, drift []ledger.DriftEntry, applied bool) error {
	sort.Slice(drift, func(i, j int) bool {
		if drift[i].ReceiverID != drift[j].ReceiverID {
			return drift[i].ReceiverID < drift[j].ReceiverID
		}
		return drift[i].SenderID < drift[j].SenderID
	})

	if opts.JSON {
		entries := make([]map[string]any, 0, len(drift))
		for _, e := range drift {
			entries = append(entries, map[string]any{
				"receiver_id": e.ReceiverID,
				"sender_id":   e.SenderID,
				"cached":      e.Cached,
				"actual":      e.Actual,
			})
		}
		payload := map[string]any{
			"database_path": opts.DatabasePath,
			"applied":       applied,
			"drift_count":   len(drift),
			"drift":         entries,
		}
		if opts.UserID > 0 {
			payload["user_id"] = opts.UserID
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(payload)
	}

	scope := "all users"
	if opts.UserID > 0 {
		scope = fmt.Sprintf("user %d", opts.UserID)
	}

	if len(drift) == 0 {
		fmt.Fprintf(out, "Unread counters for %s are consistent. Nothing to repair.\n", scope)
		return nil
	}

	fmt.Fprintf(out, "Found %d drifted counter(s) for %s:\n", len(drift), scope)
	for _, e := range drift {
		fmt.Fprintf(out, "  receiver=%d sender=%d cached=%d actual=%d\n", e.ReceiverID, e.SenderID, e.Cached, e.Actual)
	}
	if applied {
		fmt.Fprintln(out, "Counters rebuilt from the message log.")
	} else {
		fmt.Fprintln(out, "Dry-run: no changes applied.")
	}
	return nil
}
