package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/live-router/models"
)

// MemStore is an in-memory stand-in for db.Store. Methods named in Fail
// return the given error; every call is counted.
type MemStore struct {
	mu          sync.Mutex
	channels    map[string]models.Channel
	credentials map[string]models.Credential
	credOrder   []string
	sessions    map[string]models.LiveSession
	settings    map[string]models.ConfigEntry
	pageTokens  map[string]models.PageToken
	fail        map[string]error
	calls       map[string]int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		channels:    map[string]models.Channel{},
		credentials: map[string]models.Credential{},
		sessions:    map[string]models.LiveSession{},
		settings:    map[string]models.ConfigEntry{},
		pageTokens:  map[string]models.PageToken{},
		fail:        map[string]error{},
		calls:       map[string]int{},
	}
}

// Fail makes method return err; a nil err clears the failure.
func (m *MemStore) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

// Calls reports how many times method ran.
func (m *MemStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter locks the store and must be paired with m.mu.Unlock.
func (m *MemStore) enter(method string) error {
	m.mu.Lock()
	m.calls[method]++
	return m.fail[method]
}

func (m *MemStore) Ping(context.Context) error {
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func sortChannels(out []models.Channel) {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (m *MemStore) ListEligibleChannels(_ context.Context, providers []models.Provider) ([]models.Channel, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListEligibleChannels"); err != nil {
		return nil, err
	}
	want := map[models.Provider]bool{}
	for _, p := range providers {
		want[p] = true
	}
	var out []models.Channel
	for _, ch := range m.channels {
		if ch.EligibleLive && want[ch.Provider] {
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out, nil
}

func (m *MemStore) ListChannelsByOwner(_ context.Context, ownerKey string) ([]models.Channel, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListChannelsByOwner"); err != nil {
		return nil, err
	}
	var out []models.Channel
	for _, ch := range m.channels {
		if ch.OwnerKey == ownerKey {
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out, nil
}

func (m *MemStore) GetChannel(_ context.Context, id string) (models.Channel, bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("GetChannel"); err != nil {
		return models.Channel{}, false, err
	}
	ch, ok := m.channels[id]
	return ch, ok, nil
}

func (m *MemStore) UpsertChannel(_ context.Context, ch models.Channel) error {
	defer m.mu.Unlock()
	if err := m.enter("UpsertChannel"); err != nil {
		return err
	}
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	m.channels[ch.ID] = ch
	return nil
}

func (m *MemStore) UpdateChannelMeta(_ context.Context, id string, meta models.ChannelMeta, checkedAt time.Time) error {
	defer m.mu.Unlock()
	if err := m.enter("UpdateChannelMeta"); err != nil {
		return err
	}
	ch, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("update channel %s meta: not found", id)
	}
	ch.Meta = meta
	t := checkedAt.UTC()
	ch.LastCheckedAt = &t
	m.channels[id] = ch
	return nil
}

func (m *MemStore) GetCredential(_ context.Context, id string) (models.Credential, bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("GetCredential"); err != nil {
		return models.Credential{}, false, err
	}
	c, ok := m.credentials[id]
	return c, ok, nil
}

func (m *MemStore) ListCredentialsByOwner(_ context.Context, provider models.Provider, ownerKey string) ([]models.Credential, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListCredentialsByOwner"); err != nil {
		return nil, err
	}
	var out []models.Credential
	for _, id := range m.credOrder {
		c := m.credentials[id]
		if c.Provider == provider && (ownerKey == "" || c.OwnerKey == ownerKey) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemStore) ListCredentials(context.Context) ([]models.Credential, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListCredentials"); err != nil {
		return nil, err
	}
	out := make([]models.Credential, 0, len(m.credOrder))
	for _, id := range m.credOrder {
		out = append(out, m.credentials[id])
	}
	return out, nil
}

func (m *MemStore) UpsertCredential(_ context.Context, c models.Credential) error {
	defer m.mu.Unlock()
	if err := m.enter("UpsertCredential"); err != nil {
		return err
	}
	if _, ok := m.credentials[c.ID]; !ok {
		m.credOrder = append(m.credOrder, c.ID)
	}
	c.UpdatedAt = time.Now().UTC()
	m.credentials[c.ID] = c
	return nil
}

func (m *MemStore) UpdateCredentialTokens(_ context.Context, id, access, refresh string, expiresAt *time.Time) error {
	defer m.mu.Unlock()
	if err := m.enter("UpdateCredentialTokens"); err != nil {
		return err
	}
	c, ok := m.credentials[id]
	if !ok {
		return fmt.Errorf("update credential %s: not found", id)
	}
	c.AccessToken, c.RefreshToken, c.ExpiresAt = access, refresh, expiresAt
	c.UpdatedAt = time.Now().UTC()
	m.credentials[id] = c
	return nil
}

func (m *MemStore) HasActiveSession(_ context.Context, channelIDs []string, since time.Time) (bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("HasActiveSession"); err != nil {
		return false, err
	}
	ids := map[string]bool{}
	for _, id := range channelIDs {
		ids[id] = true
	}
	for _, s := range m.sessions {
		if ids[s.ChannelID] && !s.Status.Terminal() && !s.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) CreateSession(_ context.Context, ls models.LiveSession) error {
	defer m.mu.Unlock()
	if err := m.enter("CreateSession"); err != nil {
		return err
	}
	if _, dup := m.sessions[ls.ID]; dup {
		return fmt.Errorf("create session %s: duplicate id", ls.ID)
	}
	ls.UpdatedAt = ls.CreatedAt
	ls.Logs = append([]string(nil), ls.Logs...)
	m.sessions[ls.ID] = ls
	return nil
}

func (m *MemStore) GetSession(_ context.Context, id string) (models.LiveSession, bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("GetSession"); err != nil {
		return models.LiveSession{}, false, err
	}
	s, ok := m.sessions[id]
	return s, ok, nil
}

// Sessions returns every session ordered by creation time.
func (m *MemStore) Sessions() []models.LiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemStore) ListSessionsByMatch(_ context.Context, matchID string) ([]models.LiveSession, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListSessionsByMatch"); err != nil {
		return nil, err
	}
	var out []models.LiveSession
	for _, s := range m.sessions {
		if s.MatchID == matchID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) TransitionSession(_ context.Context, id string, from, to models.SessionStatus, logLine string, at time.Time) (bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("TransitionSession"); err != nil {
		return false, err
	}
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	s.Logs = append(s.Logs, logLine)
	s.UpdatedAt = at.UTC()
	if to.Terminal() {
		t := at.UTC()
		s.EndedAt = &t
	}
	m.sessions[id] = s
	return true, nil
}

func (m *MemStore) GetSetting(_ context.Context, key string) (models.ConfigEntry, bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("GetSetting"); err != nil {
		return models.ConfigEntry{}, false, err
	}
	e, ok := m.settings[key]
	return e, ok, nil
}

func (m *MemStore) UpsertSetting(_ context.Context, e models.ConfigEntry) error {
	defer m.mu.Unlock()
	if err := m.enter("UpsertSetting"); err != nil {
		return err
	}
	now := time.Now().UTC()
	if prev, ok := m.settings[e.Key]; ok {
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	m.settings[e.Key] = e
	return nil
}

func (m *MemStore) ListSettings(context.Context) ([]models.ConfigEntry, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListSettings"); err != nil {
		return nil, err
	}
	out := make([]models.ConfigEntry, 0, len(m.settings))
	for _, e := range m.settings {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) DeleteSetting(_ context.Context, key string) error {
	defer m.mu.Unlock()
	if err := m.enter("DeleteSetting"); err != nil {
		return err
	}
	delete(m.settings, key)
	return nil
}

func (m *MemStore) CountPageTokens(context.Context) (int, error) {
	defer m.mu.Unlock()
	if err := m.enter("CountPageTokens"); err != nil {
		return 0, err
	}
	return len(m.pageTokens), nil
}

func (m *MemStore) GetPageToken(_ context.Context, pageID string) (models.PageToken, bool, error) {
	defer m.mu.Unlock()
	if err := m.enter("GetPageToken"); err != nil {
		return models.PageToken{}, false, err
	}
	p, ok := m.pageTokens[pageID]
	return p, ok, nil
}

func (m *MemStore) ListPageTokens(context.Context) ([]models.PageToken, error) {
	defer m.mu.Unlock()
	if err := m.enter("ListPageTokens"); err != nil {
		return nil, err
	}
	out := make([]models.PageToken, 0, len(m.pageTokens))
	for _, p := range m.pageTokens {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out, nil
}

func (m *MemStore) UpsertPageToken(_ context.Context, p models.PageToken) error {
	defer m.mu.Unlock()
	if err := m.enter("UpsertPageToken"); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	m.pageTokens[p.PageID] = p
	return nil
}

func (m *MemStore) MarkPageTokenReauth(_ context.Context, pageID, reason string, at time.Time) error {
	defer m.mu.Unlock()
	if err := m.enter("MarkPageTokenReauth"); err != nil {
		return err
	}
	p, ok := m.pageTokens[pageID]
	if !ok {
		return nil
	}
	p.NeedsReauth = true
	p.LastError = reason
	t := at.UTC()
	p.LastCheckedAt = &t
	m.pageTokens[pageID] = p
	return nil
}
