package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_runs_and_history.sql
var runsAndHistorySQL string

// schemaRevisions is the ordered ledger of schema changes. The store tracks
// the highest applied revision in the schema_revisions table and applies
// anything newer, one transaction per revision.
var schemaRevisions = []struct {
	version int
	name    string
	script  string
}{
	{1, "runs_and_history", runsAndHistorySQL},
}

// Migrate brings the database schema up to the current revision. Safe to call
// on every startup.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_revisions (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_revisions: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_revisions`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_revisions: %w", err)
	}

	for _, rev := range schemaRevisions {
		if rev.version <= applied {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin revision %d: %w", rev.version, err)
		}
		for _, stmt := range statements(rev.script) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply revision %d (%s): %w", rev.version, rev.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_revisions (version, name) VALUES (?, ?)`, rev.version, rev.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record revision %d: %w", rev.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit revision %d: %w", rev.version, err)
		}
	}
	return nil
}

// statements splits a revision script on semicolons, dropping chunks that
// hold nothing but line comments.
func statements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(chunk); hasSQL(stmt) {
			out = append(out, stmt)
		}
	}
	return out
}

func hasSQL(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
