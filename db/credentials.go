package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/live-router/models"
)

const credentialColumns = `id, provider, owner_key, auth_type, access_token, refresh_token, expires_at, scopes, updated_at`

func scanCredential(r rowScanner) (models.Credential, error) {
	var (
		c                  models.Credential
		provider, authType string
		expires            sql.NullTime
		scopes             []byte
	)
	if err := r.Scan(&c.ID, &provider, &c.OwnerKey, &authType, &c.AccessToken, &c.RefreshToken, &expires, &scopes, &c.UpdatedAt); err != nil {
		return models.Credential{}, err
	}
	c.Provider = models.Provider(provider)
	c.AuthType = models.AuthType(authType)
	c.ExpiresAt = timePtr(expires)
	c.Scopes = decodeList(scopes)
	return c, nil
}

func (s *Store) queryCredentials(ctx context.Context, q string, args ...any) ([]models.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCredential loads a credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (models.Credential, bool, error) {
	c, err := scanCredential(s.DB.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id=$1`, id))
	if isNoRows(err) {
		return models.Credential{}, false, nil
	}
	if err != nil {
		return models.Credential{}, false, fmt.Errorf("get credential %s: %w", id, err)
	}
	return c, true, nil
}

// ListCredentialsByOwner lists credentials of provider owned by ownerKey in
// creation order. An empty ownerKey lists every credential of the provider.
func (s *Store) ListCredentialsByOwner(ctx context.Context, provider models.Provider, ownerKey string) ([]models.Credential, error) {
	var (
		out []models.Credential
		err error
	)
	if ownerKey == "" {
		out, err = s.queryCredentials(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE provider=$1 ORDER BY created_at, id`, string(provider))
	} else {
		out, err = s.queryCredentials(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE provider=$1 AND owner_key=$2 ORDER BY created_at, id`, string(provider), ownerKey)
	}
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// ListCredentials returns every credential.
func (s *Store) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	out, err := s.queryCredentials(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// UpsertCredential inserts or replaces a credential; tokens are stored as given.
func (s *Store) UpsertCredential(ctx context.Context, c models.Credential) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO credentials(id, provider, owner_key, auth_type, access_token, refresh_token, expires_at, scopes, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		 ON CONFLICT(id) DO UPDATE SET
		   provider=EXCLUDED.provider,
		   owner_key=EXCLUDED.owner_key,
		   auth_type=EXCLUDED.auth_type,
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scopes=EXCLUDED.scopes,
		   updated_at=NOW()`,
		c.ID, string(c.Provider), c.OwnerKey, string(c.AuthType), c.AccessToken, c.RefreshToken, nullTime(c.ExpiresAt), encodeList(c.Scopes))
	if err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.ID, err)
	}
	return nil
}

// UpdateCredentialTokens rewrites the stored token fields of a credential.
func (s *Store) UpdateCredentialTokens(ctx context.Context, id, access, refresh string, expiresAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE credentials SET access_token=$2, refresh_token=$3, expires_at=$4, updated_at=NOW() WHERE id=$1`,
		id, access, refresh, nullTime(expiresAt))
	if err != nil {
		return fmt.Errorf("update credential %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update credential %s: not found", id)
	}
	return nil
}
