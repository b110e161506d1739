package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketmail/internal/models"
)

// SaveAttachment saves an attachment, including its content, to the database.
func SaveAttachment(ctx context.Context, pool *pgxpool.Pool, attachment *models.Attachment) error {
	content := attachment.Content
	if content == nil {
		content = []byte{}
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO attachments (email_id, filename, mime_type, size_bytes, is_inline, content_id, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, attachment.EmailID, attachment.Filename, attachment.MimeType, attachment.SizeBytes,
		attachment.IsInline, attachment.ContentID, content).Scan(&attachment.ID)

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

// GetAttachmentsForEmail returns the attachments of an email record without their content.
func GetAttachmentsForEmail(ctx context.Context, pool *pgxpool.Pool, emailID string) ([]*models.Attachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, email_id, filename, mime_type, size_bytes, is_inline, content_id
		FROM attachments
		WHERE email_id = $1
		ORDER BY filename
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.EmailID,
			&att.Filename,
			&att.MimeType,
			&att.SizeBytes,
			&att.IsInline,
			&att.ContentID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, &att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}
