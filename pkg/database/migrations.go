package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSearchIndexes creates the full-text GIN indexes that the plain
// migration files do not carry: finding titles/descriptions and AI
// report text, both searched from the intelligence views.
func CreateSearchIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_findings_text_gin
		ON findings USING gin(to_tsvector('english', title || ' ' || COALESCE(description, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create findings GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_ai_reports_text_gin
		ON ai_reports USING gin(to_tsvector('english', COALESCE(report_text, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create ai_reports GIN index: %w", err)
	}

	return nil
}
