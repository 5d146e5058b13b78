package facebookapi

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Probe failure reasons.
const (
	ReasonPermission   = "PERMISSION_ERROR"
	ReasonCheckpoint   = "CHECKPOINT"
	ReasonInvalidOAuth = "INVALID_OAUTH"
	ReasonLiveDenied   = "LIVE_DENIED"
	ReasonReadDenied   = "READ_DENIED"
)

// ProbeResult is the outcome of a non-mutating permission probe.
type ProbeResult struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
	Subcode int    `json:"subcode,omitempty"`
}

// IsCheckpointSubcode reports the subcodes Graph uses for account
// checkpoints and session invalidation.
func IsCheckpointSubcode(sub int) bool { return sub == 459 || sub == 490 }

func probeFailure(err error, fallback string) ProbeResult {
	var ge *GraphError
	if !errors.As(err, &ge) {
		return ProbeResult{Reason: fallback, Message: err.Error()}
	}
	r := ProbeResult{Message: ge.Message, Code: ge.Code, Subcode: ge.Subcode}
	switch {
	case ge.Code == 200:
		r.Reason = ReasonPermission
	case ge.Code == 190 && IsCheckpointSubcode(ge.Subcode):
		r.Reason = ReasonCheckpoint
	case ge.Code == 190:
		r.Reason = ReasonInvalidOAuth
	default:
		r.Reason = fallback
	}
	return r
}

// ProbeRead checks that the page token can read the page.
func (c *Client) ProbeRead(ctx context.Context, pageID, pageToken string) ProbeResult {
	if strings.TrimSpace(pageToken) == "" {
		return ProbeResult{Reason: ReasonInvalidOAuth, Message: "no page token"}
	}
	params := url.Values{}
	params.Set("fields", "id,name")
	params.Set("access_token", pageToken)
	if err := c.get(ctx, url.PathEscape(pageID), params, nil); err != nil {
		return probeFailure(err, ReasonReadDenied)
	}
	return ProbeResult{OK: true}
}

// ProbeLive checks that the page token may list live videos, the
// cheapest signal that live publishing is permitted.
func (c *Client) ProbeLive(ctx context.Context, pageID, pageToken string) ProbeResult {
	if strings.TrimSpace(pageToken) == "" {
		return ProbeResult{Reason: ReasonInvalidOAuth, Message: "no page token"}
	}
	params := url.Values{}
	params.Set("fields", "id")
	params.Set("limit", "1")
	params.Set("access_token", pageToken)
	if err := c.get(ctx, url.PathEscape(pageID)+"/live_videos", params, nil); err != nil {
		return probeFailure(err, ReasonLiveDenied)
	}
	return ProbeResult{OK: true}
}
