package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/facebookapi"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/testutil"
)

type fixture struct {
	graph  *testutil.FakeGraph
	store  *testutil.MemStore
	cipher *crypto.Cipher
	mgr    *PageTokenManager
}

func newFixture(t *testing.T, s testutil.Settings) fixture {
	t.Helper()
	g := testutil.NewFakeGraph(t)
	client := facebookapi.New(g.URL, facebookapi.StaticApp(facebookapi.AppConfig{ID: "app", Secret: "s"}), facebookapi.WithRateLimit(1000, 100))
	store := testutil.NewMemStore()
	c := testutil.NewCipher(t)
	return fixture{
		graph:  g,
		store:  store,
		cipher: c,
		mgr:    &PageTokenManager{Graph: client, Store: store, Cipher: c, Settings: s},
	}
}

func future(d time.Duration) int64 { return time.Now().Add(d).Unix() }

func ptr(t time.Time) *time.Time { return &t }

func TestEnsureValidReusesWithoutRemoteCalls(t *testing.T) {
	tests := []struct {
		name string
		rec  func(c *crypto.Cipher) models.PageToken
	}{
		{"never expiring", func(c *crypto.Cipher) models.PageToken {
			tok, _ := c.Encrypt("pt")
			return models.PageToken{PageID: "p1", Token: tok, TokenIsNever: true}
		}},
		{"far from expiry", func(c *crypto.Cipher) models.PageToken {
			tok, _ := c.Encrypt("pt")
			return models.PageToken{PageID: "p1", Token: tok, TokenExpiresAt: ptr(time.Now().Add(30 * 24 * time.Hour))}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testutil.Settings{})
			ctx := context.Background()
			if err := f.store.UpsertPageToken(ctx, tt.rec(f.cipher)); err != nil {
				t.Fatal(err)
			}
			tok, err := f.mgr.ValidPageToken(ctx, "p1")
			if err != nil || tok != "pt" {
				t.Fatalf("token = %q, %v", tok, err)
			}
			if calls := f.graph.Calls(); len(calls) != 0 {
				t.Fatalf("remote calls = %v", calls)
			}
		})
	}
}

func TestEnsureValidRefreshesNearExpiry(t *testing.T) {
	f := newFixture(t, testutil.Settings{"REFRESH_THRESHOLD_HOURS": "72"})
	ctx := context.Background()
	f.graph.AddToken("lut", testutil.FakeToken{Valid: true, ExpiresAt: future(60 * 24 * time.Hour)})
	f.graph.AddPage("lut", testutil.FakePage{ID: "p1", Name: "Court 1", AccessToken: "pt-new"})
	_ = f.store.UpsertPageToken(ctx, models.PageToken{
		PageID:         "p1",
		Token:          testutil.MustEncrypt(t, f.cipher, "pt-old"),
		TokenExpiresAt: ptr(time.Now().Add(time.Hour)),
		LongUserToken:  testutil.MustEncrypt(t, f.cipher, "lut"),
		NeedsReauth:    true,
	})

	tok, err := f.mgr.ValidPageToken(ctx, "p1")
	if err != nil || tok != "pt-new" {
		t.Fatalf("token = %q, %v", tok, err)
	}
	rec, _, _ := f.store.GetPageToken(ctx, "p1")
	if !rec.TokenIsNever || rec.NeedsReauth || rec.PageName != "Court 1" || !crypto.IsCiphered(rec.Token) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestEnsureValidMarksReauth(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f fixture) models.PageToken
	}{
		{"missing long token", func(f fixture) models.PageToken {
			return models.PageToken{PageID: "p1"}
		}},
		{"invalid long token", func(f fixture) models.PageToken {
			f.graph.AddToken("lut", testutil.FakeToken{Valid: false})
			tok, _ := f.cipher.Encrypt("lut")
			return models.PageToken{PageID: "p1", LongUserToken: tok}
		}},
		{"long token near expiry", func(f fixture) models.PageToken {
			f.graph.AddToken("lut", testutil.FakeToken{Valid: true, ExpiresAt: future(time.Hour)})
			tok, _ := f.cipher.Encrypt("lut")
			return models.PageToken{PageID: "p1", LongUserToken: tok}
		}},
		{"page unreachable", func(f fixture) models.PageToken {
			f.graph.AddToken("lut", testutil.FakeToken{Valid: true})
			tok, _ := f.cipher.Encrypt("lut")
			return models.PageToken{PageID: "p1", LongUserToken: tok}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testutil.Settings{})
			ctx := context.Background()
			_ = f.store.UpsertPageToken(ctx, tt.setup(f))
			_, err := f.mgr.EnsureValid(ctx, "p1")
			var re *ReauthRequiredError
			if !errors.Is(err, ErrReauthRequired) || !errors.As(err, &re) || re.PageID != "p1" {
				t.Fatalf("err = %v", err)
			}
			rec, _, _ := f.store.GetPageToken(ctx, "p1")
			if !rec.NeedsReauth || rec.LastError == "" {
				t.Fatalf("record = %+v", rec)
			}
		})
	}
}

func TestEnsureValidProvisionsFromSeed(t *testing.T) {
	f := newFixture(t, testutil.Settings{"FB_BOOT_LONG_USER_TOKEN": "bad,lut"})
	ctx := context.Background()
	f.graph.AddToken("lut", testutil.FakeToken{Valid: true})
	f.graph.AddPage("lut", testutil.FakePage{ID: "p9", Name: "New", AccessToken: "pt9"})

	tok, err := f.mgr.ValidPageToken(ctx, "p9")
	if err != nil || tok != "pt9" {
		t.Fatalf("token = %q, %v", tok, err)
	}
	rec, ok, _ := f.store.GetPageToken(ctx, "p9")
	if !ok || rec.PageName != "New" {
		t.Fatalf("record = %+v", rec)
	}
	long, _ := f.cipher.Decrypt(rec.LongUserToken)
	if long != "lut" {
		t.Fatalf("long token = %q", long)
	}
}

func TestEnsureValidUnknownPageWithoutSeed(t *testing.T) {
	f := newFixture(t, testutil.Settings{})
	if _, err := f.mgr.EnsureValid(context.Background(), "nope"); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v", err)
	}
	if n, _ := f.store.CountPageTokens(context.Background()); n != 0 {
		t.Fatalf("records = %d", n)
	}
}

func TestBootstrap(t *testing.T) {
	t.Run("empty ledger no seed", func(t *testing.T) {
		f := newFixture(t, testutil.Settings{})
		ok, err := f.mgr.Bootstrap(context.Background())
		if err != nil || ok {
			t.Fatalf("bootstrap = %v, %v", ok, err)
		}
	})
	t.Run("invalid seed leaves ledger empty", func(t *testing.T) {
		f := newFixture(t, testutil.Settings{"FB_BOOT_LONG_USER_TOKEN": "bad"})
		f.graph.AddToken("bad", testutil.FakeToken{Valid: false})
		ok, err := f.mgr.Bootstrap(context.Background())
		if err != nil || ok {
			t.Fatalf("bootstrap = %v, %v", ok, err)
		}
		if n, _ := f.store.CountPageTokens(context.Background()); n != 0 {
			t.Fatalf("records = %d", n)
		}
		if f.graph.CallCount("GET me/accounts") != 0 {
			t.Fatal("pages enumerated with an invalid seed")
		}
	})
	t.Run("valid seed syncs every page", func(t *testing.T) {
		f := newFixture(t, testutil.Settings{"FB_BOOT_LONG_USER_TOKEN": "lut"})
		f.graph.AddToken("lut", testutil.FakeToken{Valid: true, Scopes: []string{"pages_manage_posts"}})
		f.graph.AddPage("lut", testutil.FakePage{ID: "p1", Name: "One", AccessToken: "pt1"})
		f.graph.AddPage("lut", testutil.FakePage{ID: "p2", Name: "Two", AccessToken: "pt2"})
		f.graph.AddPage("lut", testutil.FakePage{ID: "p3", Name: "No perms"})
		f.graph.AddToken("pt2", testutil.FakeToken{Valid: true, ExpiresAt: future(50 * 24 * time.Hour)})
		ctx := context.Background()

		ok, err := f.mgr.Bootstrap(ctx)
		if err != nil || !ok {
			t.Fatalf("bootstrap = %v, %v", ok, err)
		}
		recs, _ := f.store.ListPageTokens(ctx)
		if len(recs) != 3 {
			t.Fatalf("records = %d", len(recs))
		}
		if !recs[0].TokenIsNever || recs[0].NeedsReauth || recs[0].LongUserScopes[0] != "pages_manage_posts" {
			t.Fatalf("p1 = %+v", recs[0])
		}
		if recs[1].TokenIsNever || recs[1].TokenExpiresAt == nil {
			t.Fatalf("p2 = %+v", recs[1])
		}
		if !recs[2].NeedsReauth || recs[2].HasToken() {
			t.Fatalf("p3 = %+v", recs[2])
		}
	})
}

func TestSweepAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t, testutil.Settings{})
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		rec := models.PageToken{PageID: id, Token: testutil.MustEncrypt(t, f.cipher, "tok-"+id), TokenIsNever: true}
		if id == "p3" {
			rec = models.PageToken{PageID: id, Token: testutil.MustEncrypt(t, f.cipher, "stale"), TokenExpiresAt: ptr(time.Now().Add(-time.Hour))}
		}
		_ = f.store.UpsertPageToken(ctx, rec)
	}
	res, err := f.mgr.SweepAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK != 4 || res.Reauth != 1 || len(res.Failed) != 1 || res.Failed[0].PageID != "p3" {
		t.Fatalf("result = %+v", res)
	}
	if got := f.store.Calls("GetPageToken"); got != 5 {
		t.Fatalf("records visited = %d", got)
	}
}

func newResolver(f fixture) *ChannelTokenResolver {
	return &ChannelTokenResolver{Graph: f.mgr.Graph, Credentials: f.store, Channels: f.store, Cipher: f.cipher, Settings: testutil.Settings{}}
}

func TestResolverUsesCachedMeta(t *testing.T) {
	f := newFixture(t, testutil.Settings{})
	ch := models.Channel{ID: "c1", Provider: models.ProviderFacebook, ExternalID: "p1",
		Meta: models.ChannelMeta{Facebook: &models.FacebookMeta{PageToken: testutil.MustEncrypt(t, f.cipher, "cached"), PageTokenIsNever: true}}}
	tok, err := newResolver(f).PageToken(context.Background(), ch)
	if err != nil || tok != "cached" || len(f.graph.Calls()) != 0 {
		t.Fatalf("token = %q, %v, calls = %v", tok, err, f.graph.Calls())
	}
}

func TestResolverFallsThroughOwnerCredentials(t *testing.T) {
	f := newFixture(t, testutil.Settings{})
	ctx := context.Background()
	f.graph.AddToken("lut-good", testutil.FakeToken{Valid: true})
	f.graph.AddPage("lut-good", testutil.FakePage{ID: "p1", AccessToken: "pt1"})
	_ = f.store.UpsertCredential(ctx, models.Credential{ID: "primary", Provider: models.ProviderFacebook, OwnerKey: "o1", AccessToken: testutil.MustEncrypt(t, f.cipher, "lut-bad")})
	_ = f.store.UpsertCredential(ctx, models.Credential{ID: "other-owner", Provider: models.ProviderFacebook, OwnerKey: "o2", AccessToken: testutil.MustEncrypt(t, f.cipher, "lut-good")})
	_ = f.store.UpsertCredential(ctx, models.Credential{ID: "second", Provider: models.ProviderFacebook, OwnerKey: "o1", AccessToken: testutil.MustEncrypt(t, f.cipher, "lut-good")})
	ch := models.Channel{ID: "c1", Provider: models.ProviderFacebook, ExternalID: "p1", OwnerKey: "o1", CredentialID: "primary"}
	if err := f.store.UpsertChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	tok, err := newResolver(f).PageToken(ctx, ch)
	if err != nil || tok != "pt1" {
		t.Fatalf("token = %q, %v", tok, err)
	}
	// lut-bad, lut-good, then the page token itself; primary is not retried.
	if n := f.graph.CallCount("GET debug_token"); n != 3 {
		t.Fatalf("debug calls = %d", n)
	}
	stored, _, _ := f.store.GetChannel(ctx, "c1")
	if stored.Meta.Facebook == nil || !stored.Meta.Facebook.PageTokenIsNever {
		t.Fatalf("meta = %+v", stored.Meta.Facebook)
	}
	if plain, _ := f.cipher.Decrypt(stored.Meta.Facebook.PageToken); plain != "pt1" {
		t.Fatalf("cached token = %q", plain)
	}
}

func TestResolverExhaustion(t *testing.T) {
	f := newFixture(t, testutil.Settings{})
	ctx := context.Background()
	_ = f.store.UpsertCredential(ctx, models.Credential{ID: "c", Provider: models.ProviderFacebook, OwnerKey: "o1", AccessToken: testutil.MustEncrypt(t, f.cipher, "revoked")})
	ch := models.Channel{ID: "c1", Provider: models.ProviderFacebook, ExternalID: "p1", OwnerKey: "o1"}
	_, err := newResolver(f).PageToken(ctx, ch)
	var nu *NoUsableCredentialError
	if !errors.Is(err, ErrNoUsableCredential) || !errors.As(err, &nu) || nu.Tried != 1 {
		t.Fatalf("err = %v", err)
	}
}

func TestResolverLedgerFallback(t *testing.T) {
	f := newFixture(t, testutil.Settings{})
	ctx := context.Background()
	_ = f.store.UpsertPageToken(ctx, models.PageToken{PageID: "p1", Token: testutil.MustEncrypt(t, f.cipher, "ledger"), TokenIsNever: true})
	r := newResolver(f)
	r.Ledger = f.mgr
	tok, err := r.PageToken(ctx, models.Channel{ID: "c1", Provider: models.ProviderFacebook, ExternalID: "p1"})
	if err != nil || tok != "ledger" {
		t.Fatalf("token = %q, %v", tok, err)
	}
}

type blockingRunner struct {
	release chan struct{}
	started chan struct{}
	runs    atomic.Int32
}

func (b *blockingRunner) Bootstrap(context.Context) (bool, error) {
	b.runs.Add(1)
	b.started <- struct{}{}
	<-b.release
	return true, nil
}

func (b *blockingRunner) SweepAll(context.Context) (SweepResult, error) {
	return SweepResult{OK: 2}, nil
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := &Scheduler{Runner: r}
	done := make(chan RunReport)
	go func() {
		rep, _ := s.RunNow(context.Background())
		done <- rep
	}()
	<-r.started
	rep, err := s.RunNow(context.Background())
	if err != nil || !rep.Skipped {
		t.Fatalf("overlapping run = %+v, %v", rep, err)
	}
	close(r.release)
	first := <-done
	if first.Skipped || !first.Bootstrapped || first.Sweep.OK != 2 {
		t.Fatalf("first run = %+v", first)
	}
	if r.runs.Load() != 1 {
		t.Fatalf("runs = %d", r.runs.Load())
	}
}

func TestSchedulerStart(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	close(r.release)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad := &Scheduler{Runner: r, Schedule: "not a cron"}
	if err := bad.Start(ctx, false); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	s := &Scheduler{Runner: r}
	if err := s.Start(ctx, true); err != nil {
		t.Fatal(err)
	}
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("boot run did not start")
	}
}
