package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ddp/uploadportal/internal/models"
)

// PostgresHistoryRepository stores history entries in the history table.
// Entries are only ever inserted.
type PostgresHistoryRepository struct {
	DB *sql.DB
}

func NewPostgresHistoryRepository(db *sql.DB) *PostgresHistoryRepository {
	return &PostgresHistoryRepository{DB: db}
}

// Append inserts a single history entry.
func (r *PostgresHistoryRepository) Append(ctx context.Context, e models.HistoryEntry) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO history (occurred_at, action, acting_user_id, package_id, filename, size_bytes, counterparty_id, status, comment, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Timestamp.UTC(), string(e.Action), e.ActingUserID, e.PackageID, e.Filename,
		e.SizeBytes, e.CounterpartyID, string(e.Status), e.Comment, e.Details,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ForUser returns entries where userID acted or was the counterparty,
// newest first with ties in insertion order.
func (r *PostgresHistoryRepository) ForUser(ctx context.Context, userID string) ([]models.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT occurred_at, action, acting_user_id, package_id, filename, size_bytes, counterparty_id, status, comment, details
		FROM history
		WHERE acting_user_id = $1 OR counterparty_id = $1
		ORDER BY occurred_at DESC, seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]models.HistoryEntry, 0)
	for rows.Next() {
		var (
			e      models.HistoryEntry
			action string
			status string
		)
		if err := rows.Scan(&e.Timestamp, &action, &e.ActingUserID, &e.PackageID, &e.Filename,
			&e.SizeBytes, &e.CounterpartyID, &status, &e.Comment, &e.Details); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Action = models.Action(action)
		e.Status = models.Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
