package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/live-router/models"
)

const pageTokenColumns = `page_id, page_name, category, tasks, long_user_token, long_user_expires_at, long_user_scopes,
	page_token, page_token_expires_at, page_token_is_never, needs_reauth, last_checked_at, last_error,
	last_status_code, last_status_problems, last_status_hints, updated_at`

func scanPageToken(r rowScanner) (models.PageToken, error) {
	var (
		p                               models.PageToken
		tasks, scopes, problems, hints  []byte
		longExp, pageExp, lastCheckedAt sql.NullTime
	)
	if err := r.Scan(&p.PageID, &p.PageName, &p.Category, &tasks, &p.LongUserToken, &longExp, &scopes,
		&p.Token, &pageExp, &p.TokenIsNever, &p.NeedsReauth, &lastCheckedAt, &p.LastError,
		&p.LastStatusCode, &problems, &hints, &p.UpdatedAt); err != nil {
		return models.PageToken{}, err
	}
	p.Tasks = decodeList(tasks)
	p.LongUserScopes = decodeList(scopes)
	p.LastStatusProblems = decodeList(problems)
	p.LastStatusHints = decodeList(hints)
	p.LongUserExpiresAt = timePtr(longExp)
	p.TokenExpiresAt = timePtr(pageExp)
	p.LastCheckedAt = timePtr(lastCheckedAt)
	return p, nil
}

// CountPageTokens returns the ledger size.
func (s *Store) CountPageTokens(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM fb_page_tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count page tokens: %w", err)
	}
	return n, nil
}

// GetPageToken loads one ledger record.
func (s *Store) GetPageToken(ctx context.Context, pageID string) (models.PageToken, bool, error) {
	p, err := scanPageToken(s.DB.QueryRowContext(ctx, `SELECT `+pageTokenColumns+` FROM fb_page_tokens WHERE page_id=$1`, pageID))
	if isNoRows(err) {
		return models.PageToken{}, false, nil
	}
	if err != nil {
		return models.PageToken{}, false, fmt.Errorf("get page token %s: %w", pageID, err)
	}
	return p, true, nil
}

// ListPageTokens returns the whole ledger ordered by page id.
func (s *Store) ListPageTokens(ctx context.Context) ([]models.PageToken, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+pageTokenColumns+` FROM fb_page_tokens ORDER BY page_id`)
	if err != nil {
		return nil, fmt.Errorf("list page tokens: %w", err)
	}
	defer rows.Close()
	var out []models.PageToken
	for rows.Next() {
		p, err := scanPageToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPageToken writes the full record.
func (s *Store) UpsertPageToken(ctx context.Context, p models.PageToken) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fb_page_tokens(page_id, page_name, category, tasks, long_user_token, long_user_expires_at, long_user_scopes,
		   page_token, page_token_expires_at, page_token_is_never, needs_reauth, last_checked_at, last_error,
		   last_status_code, last_status_problems, last_status_hints, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
		 ON CONFLICT(page_id) DO UPDATE SET
		   page_name=EXCLUDED.page_name,
		   category=EXCLUDED.category,
		   tasks=EXCLUDED.tasks,
		   long_user_token=EXCLUDED.long_user_token,
		   long_user_expires_at=EXCLUDED.long_user_expires_at,
		   long_user_scopes=EXCLUDED.long_user_scopes,
		   page_token=EXCLUDED.page_token,
		   page_token_expires_at=EXCLUDED.page_token_expires_at,
		   page_token_is_never=EXCLUDED.page_token_is_never,
		   needs_reauth=EXCLUDED.needs_reauth,
		   last_checked_at=EXCLUDED.last_checked_at,
		   last_error=EXCLUDED.last_error,
		   last_status_code=EXCLUDED.last_status_code,
		   last_status_problems=EXCLUDED.last_status_problems,
		   last_status_hints=EXCLUDED.last_status_hints,
		   updated_at=NOW()`,
		p.PageID, p.PageName, p.Category, encodeList(p.Tasks), p.LongUserToken, nullTime(p.LongUserExpiresAt), encodeList(p.LongUserScopes),
		p.Token, nullTime(p.TokenExpiresAt), p.TokenIsNever, p.NeedsReauth, nullTime(p.LastCheckedAt), p.LastError,
		p.LastStatusCode, encodeList(p.LastStatusProblems), encodeList(p.LastStatusHints))
	if err != nil {
		return fmt.Errorf("upsert page token %s: %w", p.PageID, err)
	}
	return nil
}

// MarkPageTokenReauth flags a record as requiring operator reauthorization.
func (s *Store) MarkPageTokenReauth(ctx context.Context, pageID, reason string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE fb_page_tokens SET needs_reauth=TRUE, last_error=$2, last_checked_at=$3, updated_at=NOW() WHERE page_id=$1`,
		pageID, reason, at.UTC())
	if err != nil {
		return fmt.Errorf("mark page %s reauth: %w", pageID, err)
	}
	return nil
}
