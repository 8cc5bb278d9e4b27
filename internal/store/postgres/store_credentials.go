package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

// Helper struct for JSONB storage of encrypted data
type encryptedDataJSON struct {
	Data string `json:"data"` // Base64 encoded encrypted bytes
}

func encodeEncrypted(raw []byte) ([]byte, error) {
	return json.Marshal(encryptedDataJSON{Data: base64.StdEncoding.EncodeToString(raw)})
}

func decodeEncrypted(stored []byte) ([]byte, error) {
	var data encryptedDataJSON
	if err := json.Unmarshal(stored, &data); err != nil {
		return nil, fmt.Errorf("failed to process stored encrypted credentials: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored encrypted credentials: %w", err)
	}
	return decoded, nil
}

const credentialColumns = `id, user_id, platform, encrypted_credentials, status, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*models.PlatformCredential, error) {
	cred := &models.PlatformCredential{}
	var stored []byte
	if err := row.Scan(&cred.ID, &cred.UserID, &cred.Platform, &stored, &cred.Status, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeEncrypted(stored)
	if err != nil {
		return nil, err
	}
	cred.EncryptedCredentials = decoded
	return cred, nil
}

const upsertPlatformCredential = `-- name: UpsertPlatformCredential :one
INSERT INTO platform_credentials (id, user_id, platform, encrypted_credentials, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, platform) DO UPDATE
SET encrypted_credentials = EXCLUDED.encrypted_credentials,
    status = EXCLUDED.status,
    updated_at = NOW()
RETURNING ` + credentialColumns

// UpsertPlatformCredential stores the bundle for (user, platform), replacing any previous one.
func (s *PostgresStore) UpsertPlatformCredential(ctx context.Context, arg *models.PlatformCredential) (*models.PlatformCredential, error) {
	jsonBytes, err := encodeEncrypted(arg.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare encrypted credentials for storage: %w", err)
	}
	cred, err := scanCredential(s.db.QueryRow(ctx, upsertPlatformCredential,
		arg.ID, arg.UserID, arg.Platform, jsonBytes, arg.Status))
	if err != nil {
		logPgError("UpsertPlatformCredential", err)
		return nil, fmt.Errorf("database error upserting platform credential: %w", err)
	}
	log.Printf("[PostgresStore] UpsertPlatformCredential: Stored %s credentials for UserID %s", cred.Platform, cred.UserID)
	return cred, nil
}

const getPlatformCredential = `-- name: GetPlatformCredential :one
SELECT ` + credentialColumns + `
FROM platform_credentials
WHERE user_id = $1 AND platform = $2`

// GetPlatformCredential returns store.ErrNotFound when the user has no bundle for platform.
func (s *PostgresStore) GetPlatformCredential(ctx context.Context, userID uuid.UUID, platform models.Platform) (*models.PlatformCredential, error) {
	cred, err := scanCredential(s.db.QueryRow(ctx, getPlatformCredential, userID, platform))
	if err != nil {
		return nil, notFoundOr(err, "database error fetching %s credential for user %s", platform, userID)
	}
	return cred, nil
}

const listPlatformCredentials = `-- name: ListPlatformCredentials :many
SELECT ` + credentialColumns + `
FROM platform_credentials
WHERE user_id = $1
ORDER BY platform`

func (s *PostgresStore) ListPlatformCredentials(ctx context.Context, userID uuid.UUID) ([]models.PlatformCredential, error) {
	rows, err := s.db.Query(ctx, listPlatformCredentials, userID)
	if err != nil {
		return nil, fmt.Errorf("database error listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.PlatformCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning credential row: %w", err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credential rows: %w", err)
	}
	return creds, nil
}

const deletePlatformCredential = `-- name: DeletePlatformCredential :exec
DELETE FROM platform_credentials WHERE user_id = $1 AND platform = $2`

func (s *PostgresStore) DeletePlatformCredential(ctx context.Context, userID uuid.UUID, platform models.Platform) error {
	tag, err := s.db.Exec(ctx, deletePlatformCredential, userID, platform)
	if err != nil {
		logPgError("DeletePlatformCredential", err)
		return fmt.Errorf("database error deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	log.Printf("[PostgresStore] DeletePlatformCredential: Deleted %s credentials for UserID %s", platform, userID)
	return nil
}
