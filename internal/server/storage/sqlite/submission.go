package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/sessionguard/internal/models"
	"github.com/iudanet/sessionguard/internal/server/storage"
)

// SaveSubmission stores sub once per (user, submission ID)
func (s *Storage) SaveSubmission(ctx context.Context, sub *models.Submission) (*models.Submission, bool, error) {
	fields, err := json.Marshal(sub.Fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		INSERT INTO submissions (id, user_id, form, fields, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.Form,
		string(fields),
		toMillis(sub.StoredAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert submission: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 1 {
		stored := *sub
		stored.StoredAt = fromMillis(toMillis(sub.StoredAt))
		return &stored, true, nil
	}

	// Повтор той же отправки: отдаем то, что сохранили в первый раз
	existing, err := s.GetSubmission(ctx, sub.UserID, sub.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetSubmission retrieves a submission of the user by ID
func (s *Storage) GetSubmission(ctx context.Context, userID, id string) (*models.Submission, error) {
	query := `
		SELECT id, user_id, form, fields, stored_at
		FROM submissions
		WHERE user_id = ? AND id = ?
	`

	var (
		sub      models.Submission
		fields   string
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, userID, id).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Form,
		&fields,
		&storedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &sub.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	sub.StoredAt = fromMillis(storedAt)

	return &sub, nil
}
