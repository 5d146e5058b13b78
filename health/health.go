// Package health diagnoses ledger page tokens with non-mutating Graph calls
// and persists a status code per page.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/facebookapi"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/telemetry"
)

// Check codes, in decreasing precedence.
const (
	CodeCheckpoint    = "CHECKPOINT"
	CodeExpired       = "EXPIRED"
	CodeInvalid       = "INVALID"
	CodeMissingScopes = "MISSING_SCOPES"
	CodeIssue         = "ISSUE"
	CodeOK            = "OK"
)

// Listing codes derived from stored state.
const (
	StatusNeedsReauth      = "NEEDS_REAUTH"
	StatusMissingPageToken = "MISSING_PAGE_TOKEN"
	StatusExpired          = "EXPIRED"
	StatusUserExpired      = "USER_EXPIRED"
	StatusUnknown          = "UNKNOWN"
)

// RequiredScopes must be granted to the long-lived user token.
var RequiredScopes = []string{"pages_read_engagement", "pages_manage_posts"}

// expiredSubcode is the debug_token subcode for an expired session.
const expiredSubcode = 463

// ErrNotFound is returned for pages absent from the ledger.
var ErrNotFound = errors.New("page not in ledger")

// Graph is the read-only Graph surface the checker needs.
type Graph interface {
	DebugToken(ctx context.Context, token string) (facebookapi.TokenInfo, error)
	ProbeRead(ctx context.Context, pageID, pageToken string) facebookapi.ProbeResult
	ProbeLive(ctx context.Context, pageID, pageToken string) facebookapi.ProbeResult
}

// Store persists page token records.
type Store interface {
	GetPageToken(ctx context.Context, pageID string) (models.PageToken, bool, error)
	ListPageTokens(ctx context.Context) ([]models.PageToken, error)
	UpsertPageToken(ctx context.Context, p models.PageToken) error
}

// Settings supplies the batch size.
type Settings interface {
	Int(ctx context.Context, key string, def int) (int, error)
}

// Report is the outcome of checking one page.
type Report struct {
	PageID    string                  `json:"pageId"`
	Code      string                  `json:"code"`
	Problems  []string                `json:"problems"`
	Hints     []string                `json:"hints"`
	CanRead   facebookapi.ProbeResult `json:"canRead"`
	CanLive   facebookapi.ProbeResult `json:"canLive"`
	CheckedAt time.Time               `json:"checkedAt"`
}

// Checker runs health checks.
type Checker struct {
	Graph     Graph
	Store     Store
	Cipher    *crypto.Cipher
	Settings  Settings
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Checker) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default().With(slog.String("component", "health"))
}

type debugOutcome struct {
	info facebookapi.TokenInfo
	err  error
	ran  bool
}

// flags accumulates what the individual checks found.
type flags struct {
	checkpoint, expired, invalid, missingScopes bool
	problems, hints                             []string
}

func (f *flags) problem(p string) { f.problems = append(f.problems, p) }
func (f *flags) hint(h string) { f.hints = append(f.hints, h) }

func (f *flags) code() string {
	switch {
	case f.checkpoint:
		return CodeCheckpoint
	case f.expired:
		return CodeExpired
	case f.invalid:
		return CodeInvalid
	case f.missingScopes:
		return CodeMissingScopes
	case len(f.problems) > 0:
		return CodeIssue
	}
	return CodeOK
}

func (f *flags) token(label string, d debugOutcome, now time.Time) {
	switch {
	case !d.ran:
		f.problem(label + "_TOKEN_MISSING")
		f.invalid = true
	case d.err != nil:
		f.problem(label + "_DEBUG_ERROR: " + d.err.Error())
	case !d.info.Valid:
		f.problem(label + "_INVALID")
		switch {
		case facebookapi.IsCheckpointSubcode(d.info.ErrorSubcode):
			f.checkpoint = true
			f.hint("Log in to Facebook and clear the account checkpoint, then reauthorize.")
		case d.info.ErrorSubcode == expiredSubcode:
			f.expired = true
		default:
			f.invalid = true
		}
	case d.info.ExpiresAt != nil && !d.info.ExpiresAt.After(now):
		f.problem(label + "_EXPIRED")
		f.expired = true
	}
}

func (f *flags) probe(label string, r facebookapi.ProbeResult) {
	if r.OK {
		return
	}
	f.problem(label + ":" + r.Reason)
	switch r.Reason {
	case facebookapi.ReasonCheckpoint:
		f.checkpoint = true
	case facebookapi.ReasonInvalidOAuth:
		f.invalid = true
	case facebookapi.ReasonPermission:
		f.hint("Grant the page task that allows " + strings.ToLower(label) + " access to the app user.")
	}
}

// CheckOne diagnoses a single page and persists the outcome.
func (c *Checker) CheckOne(ctx context.Context, pageID string) (Report, error) {
	defer telemetry.ObserveSince(telemetry.HealthCheckDuration, time.Now())

	rec, ok, err := c.Store.GetPageToken(ctx, pageID)
	if err != nil {
		return Report{}, fmt.Errorf("load page %s: %w", pageID, err)
	}
	if !ok {
		return Report{}, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}

	var f flags
	long, lerr := c.Cipher.Decrypt(rec.LongUserToken)
	if lerr != nil {
		f.problem("LONG_TOKEN_UNREADABLE")
		long = ""
	}
	pageTok, perr := c.Cipher.Decrypt(rec.Token)
	if perr != nil {
		f.problem("PAGE_TOKEN_UNREADABLE")
		pageTok = ""
	}

	var (
		longDbg, pageDbg debugOutcome
		canRead, canLive facebookapi.ProbeResult
	)
	g, gctx := errgroup.WithContext(ctx)
	if long != "" {
		g.Go(func() error {
			longDbg.info, longDbg.err = c.Graph.DebugToken(gctx, long)
			longDbg.ran = true
			return nil
		})
	}
	if pageTok != "" {
		g.Go(func() error {
			pageDbg.info, pageDbg.err = c.Graph.DebugToken(gctx, pageTok)
			pageDbg.ran = true
			return nil
		})
	}
	g.Go(func() error { canRead = c.Graph.ProbeRead(gctx, pageID, pageTok); return nil })
	g.Go(func() error { canLive = c.Graph.ProbeLive(gctx, pageID, pageTok); return nil })
	_ = g.Wait()
	if ctx.Err() != nil {
		return Report{}, ctx.Err()
	}

	now := c.now()
	f.token("LONG", longDbg, now)
	f.token("PAGE", pageDbg, now)
	if longDbg.ran && longDbg.err == nil && longDbg.info.Valid {
		var missing []string
		for _, s := range RequiredScopes {
			if !longDbg.info.HasScope(s) {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			f.missingScopes = true
			f.problem("MISSING_SCOPES:" + strings.Join(missing, ","))
			f.hint("Reauthorize the app granting " + strings.Join(missing, ", ") + ".")
		}
	}
	f.probe("READ", canRead)
	f.probe("LIVE", canLive)

	code := f.code()
	rep := Report{PageID: pageID, Code: code, Problems: f.problems, Hints: f.hints, CanRead: canRead, CanLive: canLive, CheckedAt: now}

	rec.LastStatusCode = code
	rec.LastStatusProblems = f.problems
	rec.LastStatusHints = f.hints
	rec.LastCheckedAt = &now
	rec.NeedsReauth = code != CodeOK
	rec.LastError = ""
	if len(f.problems) > 0 {
		rec.LastError = f.problems[0]
	}
	if longDbg.ran && longDbg.err == nil && longDbg.info.Valid {
		rec.LongUserExpiresAt = longDbg.info.ExpiresAt
		if len(longDbg.info.Scopes) > 0 {
			rec.LongUserScopes = longDbg.info.Scopes
		}
	}
	if pageDbg.ran && pageDbg.err == nil && pageDbg.info.Valid {
		rec.TokenIsNever = pageDbg.info.NeverExpires
		rec.TokenExpiresAt = pageDbg.info.ExpiresAt
	}
	if err := c.Store.UpsertPageToken(ctx, rec); err != nil {
		return rep, fmt.Errorf("store health of page %s: %w", pageID, err)
	}
	telemetry.CountHealthCheck(code)
	return rep, nil
}

// Summary aggregates a CheckAll run.
type Summary struct {
	Checked int      `json:"checked"`
	OK      int      `json:"ok"`
	Bad     int      `json:"bad"`
	Reports []Report `json:"reports"`
}

func (c *Checker) batchSize(ctx context.Context) int {
	n := c.BatchSize
	if n <= 0 && c.Settings != nil {
		n, _ = c.Settings.Int(ctx, settings.KeyHealthBatchSize, settings.DefaultHealthBatchSize)
	}
	if n <= 0 {
		n = settings.DefaultHealthBatchSize
	}
	return n
}

// CheckAll checks every ledger page in batches; each batch completes
// before the next starts.
func (c *Checker) CheckAll(ctx context.Context) (Summary, error) {
	recs, err := c.Store.ListPageTokens(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list page tokens: %w", err)
	}
	size := c.batchSize(ctx)
	var sum Summary
	for i := 0; i < len(recs); i += size {
		end := i + size
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[i:end]
		reports := make([]Report, len(batch))
		errs := make([]error, len(batch))
		var g errgroup.Group
		for j, rec := range batch {
			g.Go(func() error {
				reports[j], errs[j] = c.CheckOne(ctx, rec.PageID)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		for j := range batch {
			sum.Checked++
			if errs[j] != nil {
				sum.Bad++
				c.logger().Warn("health check failed", slog.String("page_id", batch[j].PageID), slog.Any("err", errs[j]))
				continue
			}
			if reports[j].Code == CodeOK {
				sum.OK++
			} else {
				sum.Bad++
			}
			sum.Reports = append(sum.Reports, reports[j])
		}
	}
	c.logger().Info("health check done", slog.Int("checked", sum.Checked), slog.Int("ok", sum.OK), slog.Int("bad", sum.Bad))
	return sum, nil
}

// ListStatus derives a display status from stored state alone.
func ListStatus(rec models.PageToken, now time.Time) string {
	switch {
	case rec.NeedsReauth:
		return StatusNeedsReauth
	case !rec.HasToken():
		return StatusMissingPageToken
	case !rec.TokenIsNever && rec.TokenExpiresAt != nil && !rec.TokenExpiresAt.After(now):
		return StatusExpired
	case rec.LongUserExpiresAt != nil && !rec.LongUserExpiresAt.After(now):
		return StatusUserExpired
	case rec.LastStatusCode != "":
		return rec.LastStatusCode
	}
	return StatusUnknown
}

// Row is a ledger record with its derived status.
type Row struct {
	models.PageToken
	Status string `json:"status"`
}

// Filter narrows List; zero values match everything.
type Filter struct {
	Status      string
	NeedsReauth *bool
}

// List returns ledger rows with derived statuses.
func (c *Checker) List(ctx context.Context, f Filter) ([]Row, error) {
	recs, err := c.Store.ListPageTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list page tokens: %w", err)
	}
	now := c.now()
	out := make([]Row, 0, len(recs))
	for _, rec := range recs {
		row := Row{PageToken: rec, Status: ListStatus(rec, now)}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		if f.NeedsReauth != nil && rec.NeedsReauth != *f.NeedsReauth {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
