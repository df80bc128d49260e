package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// CredentialRepository persists CRM OAuth credentials, one row per connection.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository constructs the repository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Load returns the stored token set. A missing row surfaces as sql.ErrNoRows.
func (r *CredentialRepository) Load(ctx context.Context, connectionID string) (*models.TokenSet, error) {
	const query = `SELECT connection_id, access_token, refresh_token, token_type, scope, location_id, issued_at, expires_at, updated_at
FROM crm_connections WHERE connection_id = $1`
	var token models.TokenSet
	if err := r.db.GetContext(ctx, &token, query, connectionID); err != nil {
		return nil, fmt.Errorf("load crm credentials: %w", err)
	}
	return &token, nil
}

// Save upserts the full token set, replacing whatever was stored before.
func (r *CredentialRepository) Save(ctx context.Context, token *models.TokenSet) error {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO crm_connections (connection_id, access_token, refresh_token, token_type, scope, location_id, issued_at, expires_at, updated_at)
VALUES (:connection_id, :access_token, :refresh_token, :token_type, :scope, :location_id, :issued_at, :expires_at, :updated_at)
ON CONFLICT (connection_id) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
token_type = EXCLUDED.token_type, scope = EXCLUDED.scope, location_id = EXCLUDED.location_id,
issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("save crm credentials: %w", err)
	}
	return nil
}

// Delete removes the stored credentials. Deleting a missing row is not an error.
func (r *CredentialRepository) Delete(ctx context.Context, connectionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM crm_connections WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("delete crm credentials: %w", err)
	}
	return nil
}
