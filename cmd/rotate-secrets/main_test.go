package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/testutil"
)

func newKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// rotationFixture seeds one row per secret column: half ciphered under the
// old key, half plaintext.
func rotationFixture(t *testing.T) (*testutil.MemStore, *crypto.Cipher, *crypto.Cipher) {
	t.Helper()
	oldKey, newKeyB64 := newKey(t), newKey(t)
	oldCipher, err := crypto.NewCipher(crypto.CipherConfig{Enabled: true, KeyBase64: oldKey})
	if err != nil {
		t.Fatal(err)
	}
	rotating, err := crypto.NewCipher(crypto.CipherConfig{Enabled: true, KeyBase64: newKeyB64, OldKeyBase64: oldKey})
	if err != nil {
		t.Fatal(err)
	}

	store := testutil.NewMemStore()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(store.UpsertCredential(ctx, models.Credential{
		ID: "cred-1", Provider: models.ProviderYouTube, AuthType: models.AuthLongLivedToken,
		AccessToken:  testutil.MustEncrypt(t, oldCipher, "yt-access"),
		RefreshToken: "yt-refresh",
	}))
	must(store.UpsertSetting(ctx, models.ConfigEntry{Key: "FB_APP_SECRET", Value: testutil.MustEncrypt(t, oldCipher, "app-secret"), IsSecret: true}))
	must(store.UpsertSetting(ctx, models.ConfigEntry{Key: "GRAPH_VER", Value: "v24.0"}))
	must(store.UpsertPageToken(ctx, models.PageToken{
		PageID: "p1", PageName: "Court 1",
		LongUserToken: testutil.MustEncrypt(t, oldCipher, "lut"),
		Token:         "page-token",
	}))
	must(store.UpsertChannel(ctx, models.Channel{
		ID: "c1", Provider: models.ProviderFacebook, ExternalID: "p1", EligibleLive: true,
		Meta: models.ChannelMeta{Facebook: &models.FacebookMeta{PageToken: testutil.MustEncrypt(t, oldCipher, "page-token"), PageTokenIsNever: true}},
	}))
	return store, oldCipher, rotating
}

func TestRotateDryRun(t *testing.T) {
	store, _, rotating := rotationFixture(t)
	ctx := context.Background()
	before, _, _ := store.GetPageToken(ctx, "p1")

	rep, err := rotate(ctx, store, rotating, true)
	if err != nil {
		t.Fatalf("rotate(dry-run): %v", err)
	}
	if rep.Credentials != 1 || rep.Settings != 1 || rep.PageTokens != 1 || rep.Channels != 1 {
		t.Fatalf("report = %+v", rep)
	}
	after, _, _ := store.GetPageToken(ctx, "p1")
	if after.Token != before.Token || after.LongUserToken != before.LongUserToken {
		t.Fatal("dry-run changed stored values")
	}
	if n := store.Calls("UpdateCredentialTokens") + store.Calls("UpdateChannelMeta"); n != 0 {
		t.Fatalf("dry-run wrote %d rows", n)
	}
}

func TestRotateReencryptsUnderCurrentKey(t *testing.T) {
	store, _, rotating := rotationFixture(t)
	ctx := context.Background()

	if _, err := rotate(ctx, store, rotating, false); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	check := func(name, stored, want string) {
		t.Helper()
		if rotating.NeedsRotation(stored) {
			t.Errorf("%s still needs rotation", name)
		}
		got, err := rotating.Decrypt(stored)
		if err != nil {
			t.Fatalf("%s decrypt: %v", name, err)
		}
		if got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	cred, _, _ := store.GetCredential(ctx, "cred-1")
	check("access token", cred.AccessToken, "yt-access")
	check("refresh token", cred.RefreshToken, "yt-refresh")

	secret, _, _ := store.GetSetting(ctx, "FB_APP_SECRET")
	check("app secret", secret.Value, "app-secret")
	if secret.UpdatedBy != "rotate-secrets" {
		t.Errorf("updated by = %q", secret.UpdatedBy)
	}
	plain, _, _ := store.GetSetting(ctx, "GRAPH_VER")
	if plain.Value != "v24.0" {
		t.Errorf("non-secret setting changed: %q", plain.Value)
	}

	page, _, _ := store.GetPageToken(ctx, "p1")
	check("long user token", page.LongUserToken, "lut")
	check("page token", page.Token, "page-token")

	ch, _, _ := store.GetChannel(ctx, "c1")
	check("channel page token", ch.Meta.Facebook.PageToken, "page-token")
	if !ch.Meta.Facebook.PageTokenIsNever {
		t.Error("channel meta lost PageTokenIsNever")
	}

	// second pass finds nothing
	rep, err := rotate(ctx, store, rotating, false)
	if err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if rep.total() != 0 {
		t.Fatalf("second pass report = %+v", rep)
	}
}

func TestRotateFlagsSensitivePlaintextSetting(t *testing.T) {
	store, _, rotating := rotationFixture(t)
	ctx := context.Background()
	if err := store.UpsertSetting(ctx, models.ConfigEntry{Key: "YOUTUBE_REFRESH_TOKEN", Value: "rt-plain"}); err != nil {
		t.Fatal(err)
	}

	rep, err := rotate(ctx, store, rotating, false)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rep.Settings != 2 {
		t.Fatalf("settings rotated = %d, want 2", rep.Settings)
	}
	row, _, _ := store.GetSetting(ctx, "YOUTUBE_REFRESH_TOKEN")
	if !row.IsSecret || !crypto.IsCiphered(row.Value) {
		t.Fatalf("sensitive row = %+v", row)
	}
	if plain, err := rotating.Decrypt(row.Value); err != nil || plain != "rt-plain" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}
}

func TestRotateCountsRowFailures(t *testing.T) {
	store, _, rotating := rotationFixture(t)
	store.Fail("UpsertPageToken", errors.New("disk full"))

	rep, err := rotate(context.Background(), store, rotating, false)
	if err == nil {
		t.Fatal("expected summary error")
	}
	if rep.Errors != 1 || rep.Credentials != 1 || rep.Channels != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRotateUnreadableValueIsAnError(t *testing.T) {
	store, _, _ := rotationFixture(t)
	// current key only: the old ciphertexts cannot be opened
	c, err := crypto.NewCipher(crypto.CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := rotate(context.Background(), store, c, false)
	if err == nil {
		t.Fatal("expected error for values no key opens")
	}
	if rep.Errors == 0 {
		t.Fatalf("report = %+v", rep)
	}
}
