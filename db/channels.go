package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/live-router/models"
)

const channelColumns = `id, provider, external_id, name, owner_key, COALESCE(credential_id, ''), eligible_live, meta, last_checked_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (models.Channel, error) {
	var (
		ch       models.Channel
		provider string
		meta     []byte
		checked  sql.NullTime
	)
	if err := r.Scan(&ch.ID, &provider, &ch.ExternalID, &ch.Name, &ch.OwnerKey, &ch.CredentialID, &ch.EligibleLive, &meta, &checked, &ch.CreatedAt); err != nil {
		return models.Channel{}, err
	}
	ch.Provider = models.Provider(provider)
	ch.LastCheckedAt = timePtr(checked)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ch.Meta); err != nil {
			return models.Channel{}, fmt.Errorf("decode channel %s meta: %w", ch.ID, err)
		}
	}
	return ch, nil
}

func queryChannels(ctx context.Context, db *sql.DB, q string, args ...any) ([]models.Channel, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ListEligibleChannels returns live-eligible channels of the given providers
// in stable creation order.
func (s *Store) ListEligibleChannels(ctx context.Context, providers []models.Provider) ([]models.Channel, error) {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p))
	}
	out, err := queryChannels(ctx, s.DB,
		`SELECT `+channelColumns+` FROM channels
		 WHERE eligible_live AND provider = ANY($1)
		 ORDER BY created_at, id`, names)
	if err != nil {
		return nil, fmt.Errorf("list eligible channels: %w", err)
	}
	return out, nil
}

// ListChannelsByOwner returns every channel of ownerKey on any provider.
func (s *Store) ListChannelsByOwner(ctx context.Context, ownerKey string) ([]models.Channel, error) {
	out, err := queryChannels(ctx, s.DB,
		`SELECT `+channelColumns+` FROM channels WHERE owner_key = $1 ORDER BY created_at, id`, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("list owner channels: %w", err)
	}
	return out, nil
}

// GetChannel loads a channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (models.Channel, bool, error) {
	ch, err := scanChannel(s.DB.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Channel{}, false, nil
	}
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("get channel %s: %w", id, err)
	}
	return ch, true, nil
}

// UpsertChannel inserts or replaces a channel keyed by id.
func (s *Store) UpsertChannel(ctx context.Context, ch models.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(ch.Meta)
	if err != nil {
		return fmt.Errorf("encode channel meta: %w", err)
	}
	created := ch.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO channels(id, provider, external_id, name, owner_key, credential_id, eligible_live, meta, last_checked_at, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		 ON CONFLICT(id) DO UPDATE SET
		   provider=EXCLUDED.provider,
		   external_id=EXCLUDED.external_id,
		   name=EXCLUDED.name,
		   owner_key=EXCLUDED.owner_key,
		   credential_id=EXCLUDED.credential_id,
		   eligible_live=EXCLUDED.eligible_live,
		   meta=EXCLUDED.meta,
		   last_checked_at=EXCLUDED.last_checked_at,
		   updated_at=NOW()`,
		ch.ID, string(ch.Provider), ch.ExternalID, ch.Name, ch.OwnerKey, nullString(ch.CredentialID),
		ch.EligibleLive, string(meta), nullTime(ch.LastCheckedAt), created)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// UpdateChannelMeta replaces the meta document and stamps lastCheckedAt.
func (s *Store) UpdateChannelMeta(ctx context.Context, id string, meta models.ChannelMeta, checkedAt time.Time) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode channel meta: %w", err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE channels SET meta=$2, last_checked_at=$3, updated_at=NOW() WHERE id=$1`,
		id, string(b), checkedAt.UTC())
	if err != nil {
		return fmt.Errorf("update channel %s meta: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update channel %s meta: not found", id)
	}
	return nil
}
