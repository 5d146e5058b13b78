package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/live-router/models"
)

const sessionColumns = `id, provider, channel_id, platform_live_id, status, server_url, stream_key, secure_stream_url, permalink_url, match_id, logs, created_at, updated_at, ended_at`

func scanSession(r rowScanner) (models.LiveSession, error) {
	var (
		s        models.LiveSession
		provider string
		status   string
		logs     []byte
		ended    sql.NullTime
	)
	if err := r.Scan(&s.ID, &provider, &s.ChannelID, &s.PlatformLiveID, &status, &s.ServerURL, &s.StreamKey,
		&s.SecureStreamURL, &s.PermalinkURL, &s.MatchID, &logs, &s.CreatedAt, &s.UpdatedAt, &ended); err != nil {
		return models.LiveSession{}, err
	}
	s.Provider = models.Provider(provider)
	s.Status = models.SessionStatus(status)
	s.Logs = decodeList(logs)
	s.EndedAt = timePtr(ended)
	return s, nil
}

// HasActiveSession reports whether any of channelIDs has a non-terminal
// session created at or after since.
func (s *Store) HasActiveSession(ctx context.Context, channelIDs []string, since time.Time) (bool, error) {
	if len(channelIDs) == 0 {
		return false, nil
	}
	var busy bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM live_sessions
		   WHERE channel_id = ANY($1)
		     AND status NOT IN ('ENDED', 'CANCELED', 'ERROR')
		     AND created_at >= $2)`,
		channelIDs, since.UTC()).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("check active sessions: %w", err)
	}
	return busy, nil
}

// CreateSession appends a session record.
func (s *Store) CreateSession(ctx context.Context, ls models.LiveSession) error {
	logs, err := json.Marshal(ls.Logs)
	if err != nil {
		return fmt.Errorf("encode session logs: %w", err)
	}
	if ls.Logs == nil {
		logs = []byte("[]")
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO live_sessions(id, provider, channel_id, platform_live_id, status, server_url, stream_key, secure_stream_url, permalink_url, match_id, logs, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		ls.ID, string(ls.Provider), ls.ChannelID, ls.PlatformLiveID, string(ls.Status), ls.ServerURL, ls.StreamKey,
		ls.SecureStreamURL, ls.PermalinkURL, ls.MatchID, string(logs), ls.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create session %s: %w", ls.ID, err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.LiveSession, bool, error) {
	ls, err := scanSession(s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id=$1`, id))
	if isNoRows(err) {
		return models.LiveSession{}, false, nil
	}
	if err != nil {
		return models.LiveSession{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	return ls, true, nil
}

// ListSessionsByMatch returns the sessions reserved for a match, newest first.
func (s *Store) ListSessionsByMatch(ctx context.Context, matchID string) ([]models.LiveSession, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE match_id=$1 ORDER BY created_at DESC`, matchID)
	if err != nil {
		return nil, fmt.Errorf("list match sessions: %w", err)
	}
	defer rows.Close()
	var out []models.LiveSession
	for rows.Next() {
		ls, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// TransitionSession moves a session from one status to another only if it
// is still in from, appending logLine. It reports whether the row changed.
func (s *Store) TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, logLine string, at time.Time) (bool, error) {
	var ended sql.NullTime
	if to.Terminal() {
		ended = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	line, _ := json.Marshal([]string{logLine})
	res, err := s.DB.ExecContext(ctx,
		`UPDATE live_sessions
		 SET status=$3, logs = logs || $4::jsonb, updated_at=$5, ended_at=COALESCE($6, ended_at)
		 WHERE id=$1 AND status=$2`,
		id, string(from), string(to), string(line), at.UTC(), ended)
	if err != nil {
		return false, fmt.Errorf("transition session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
