package live

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/testutil"
)

func newSessions(t *testing.T) (*Sessions, *testutil.MemStore, *fakeAdapter) {
	t.Helper()
	store := testutil.NewMemStore()
	fb := newFake(models.ProviderFacebook)
	ctx := context.Background()
	if err := store.UpsertChannel(ctx, models.Channel{ID: "c1", Provider: models.ProviderFacebook, ExternalID: "p1", EligibleLive: true}); err != nil {
		t.Fatal(err)
	}
	err := store.CreateSession(ctx, models.LiveSession{
		ID: "s1", Provider: models.ProviderFacebook, ChannelID: "c1", PlatformLiveID: "lv1",
		Status: models.StatusCreated, CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}
	s := &Sessions{Store: store, Adapters: adapters{models.ProviderFacebook: fb}, Now: func() time.Time { return base.Add(time.Hour) }}
	return s, store, fb
}

func TestSessionsEnd(t *testing.T) {
	s, _, fb := newSessions(t)
	ctx := context.Background()

	if _, err := s.MarkLive(ctx, "s1"); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}
	ls, err := s.End(ctx, "s1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ls.Status != models.StatusEnded || ls.EndedAt == nil || len(ls.Logs) != 2 {
		t.Fatalf("session = %+v", ls)
	}
	if !reflect.DeepEqual(fb.ended, []string{"lv1"}) {
		t.Errorf("ended = %v", fb.ended)
	}
	// ending again is a no-op
	if _, err := s.End(ctx, "s1"); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if len(fb.ended) != 1 {
		t.Errorf("EndLive called again: %v", fb.ended)
	}
}

func TestSessionsEndRemoteFailureKeepsStatus(t *testing.T) {
	s, store, fb := newSessions(t)
	fb.endErr = errors.New("graph down")
	if _, err := s.End(context.Background(), "s1"); err == nil {
		t.Fatal("End succeeded despite platform failure")
	}
	ls, _, _ := store.GetSession(context.Background(), "s1")
	if ls.Status != models.StatusCreated {
		t.Fatalf("status = %s", ls.Status)
	}
}

func TestSessionsCancelEndsBestEffort(t *testing.T) {
	s, _, fb := newSessions(t)
	fb.endErr = errors.New("graph down")
	ls, err := s.Cancel(context.Background(), "s1", "match postponed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ls.Status != models.StatusCanceled {
		t.Fatalf("status = %s", ls.Status)
	}
}

func TestSessionsTransitionsAreMonotonic(t *testing.T) {
	tests := []struct {
		name string
		path []models.SessionStatus
		bad  models.SessionStatus
	}{
		{"live back to created", []models.SessionStatus{models.StatusLive}, models.StatusCreated},
		{"ended to live", []models.SessionStatus{models.StatusEnded}, models.StatusLive},
		{"error to canceled", []models.SessionStatus{models.StatusError}, models.StatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newSessions(t)
			ctx := context.Background()
			for _, st := range tt.path {
				if _, err := s.Sync(ctx, "s1", st, ""); err != nil {
					t.Fatalf("Sync(%s): %v", st, err)
				}
			}
			_, err := s.Sync(ctx, "s1", tt.bad, "")
			var te *models.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want TransitionError", err)
			}
		})
	}
}

func TestSessionsFailAppendsReason(t *testing.T) {
	s, _, _ := newSessions(t)
	ls, err := s.Fail(context.Background(), "s1", "encoder crashed")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if ls.Status != models.StatusError || len(ls.Logs) != 1 {
		t.Fatalf("session = %+v", ls)
	}
	if want := "error: encoder crashed"; ls.Logs[0][len(ls.Logs[0])-len(want):] != want {
		t.Errorf("log = %q", ls.Logs[0])
	}
}

func TestSessionsComment(t *testing.T) {
	s, _, fb := newSessions(t)
	ctx := context.Background()
	if err := s.Comment(ctx, "s1", "Set 1: 21-19"); err != nil {
		t.Fatalf("Comment: %v", err)
	}
	if !reflect.DeepEqual(fb.comments, []string{"lv1:Set 1: 21-19"}) {
		t.Errorf("comments = %v", fb.comments)
	}
	if err := s.Comment(ctx, "s1", "  "); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty comment err = %v", err)
	}
}

func TestSessionsUnknown(t *testing.T) {
	s, _, _ := newSessions(t)
	if _, err := s.End(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}
