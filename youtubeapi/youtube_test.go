package youtubeapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/onnwee/live-router/testutil"
)

func newBroker(f *testutil.FakeYouTube) *Broker {
	return &Broker{ClientID: "cid", ClientSecret: "csecret", TokenURL: f.TokenURL(), APIEndpoint: f.APIEndpoint()}
}

func TestConfigScopesAndEndpoint(t *testing.T) {
	b := &Broker{ClientID: "id", ClientSecret: "s", TokenURL: "http://tok"}
	cfg := b.Config("http://localhost/cb")
	if cfg.Endpoint.TokenURL != "http://tok" || cfg.RedirectURL != "http://localhost/cb" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Scopes) != len(DefaultScopes) {
		t.Fatalf("scopes = %v", cfg.Scopes)
	}
}

func TestServiceRejectsBadRefreshToken(t *testing.T) {
	f := testutil.NewFakeYouTube(t)
	_, err := newBroker(f).Service(context.Background(), "revoked", "http://cb")
	if err == nil || !IsInvalidGrant(err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := newBroker(f).Service(context.Background(), "", "http://cb"); err == nil {
		t.Fatal("empty refresh token accepted")
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	f := testutil.NewFakeYouTube(t)
	f.AllowRefresh("rt")
	ctx := context.Background()
	svc, err := newBroker(f).Service(ctx, "rt", "http://cb")
	if err != nil {
		t.Fatal(err)
	}

	ids, err := ActiveBroadcasts(ctx, svc)
	if err != nil || len(ids) != 0 {
		t.Fatalf("active = %v, %v", ids, err)
	}
	f.SetActive("old")
	if ids, _ = ActiveBroadcasts(ctx, svc); len(ids) != 1 {
		t.Fatalf("active = %v", ids)
	}

	if s, err := FindReusableStream(ctx, svc, "Live Router Reusable"); err != nil || s != nil {
		t.Fatalf("find = %v, %v", s, err)
	}
	st, err := InsertReusableStream(ctx, svc, "Live Router Reusable")
	if err != nil || st.Cdn.IngestionInfo.StreamName == "" {
		t.Fatalf("insert stream = %+v, %v", st, err)
	}
	found, err := FindReusableStream(ctx, svc, "Live Router Reusable")
	if err != nil || found == nil || found.Id != st.Id {
		t.Fatalf("find after insert = %+v, %v", found, err)
	}
	byID, err := StreamByID(ctx, svc, st.Id)
	if err != nil || byID == nil {
		t.Fatalf("by id = %+v, %v", byID, err)
	}
	if missing, err := StreamByID(ctx, svc, "nope"); err != nil || missing != nil {
		t.Fatalf("missing = %+v, %v", missing, err)
	}

	bc, err := InsertBroadcast(ctx, svc, "Final", "desc", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if bc.Status.PrivacyStatus != "unlisted" {
		t.Fatalf("privacy = %s", bc.Status.PrivacyStatus)
	}
	if err := Bind(ctx, svc, bc.Id, st.Id); err != nil {
		t.Fatal(err)
	}
	if f.BoundStream(bc.Id) != st.Id {
		t.Fatalf("bound = %s", f.BoundStream(bc.Id))
	}
	if _, err := PostChatMessage(ctx, svc, bc.Id, "gl hf"); err != nil {
		t.Fatal(err)
	}
	if got := f.Chat(bc.Id); len(got) != 1 || got[0] != "gl hf" {
		t.Fatalf("chat = %v", got)
	}
	if err := Complete(ctx, svc, bc.Id); err != nil || !f.Completed(bc.Id) {
		t.Fatalf("complete = %v", err)
	}
	if WatchURL(bc.Id) != "https://www.youtube.com/watch?v="+bc.Id {
		t.Fatal("watch url")
	}
}

func TestAPIErrorsAreGoogleErrors(t *testing.T) {
	f := testutil.NewFakeYouTube(t)
	f.AllowRefresh("rt")
	f.Fail("POST liveBroadcasts", http.StatusForbidden)
	ctx := context.Background()
	svc, err := newBroker(f).Service(ctx, "rt", "http://cb")
	if err != nil {
		t.Fatal(err)
	}
	_, err = InsertBroadcast(ctx, svc, "t", "", "public", time.Now())
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
}
