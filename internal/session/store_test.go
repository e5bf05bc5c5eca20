package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hitoshi/ticketfront/internal/model"
)

// --- モック定義 ---

// mockStorage はテスト用のStorage実装。
type mockStorage struct {
	mu      sync.Mutex
	values  map[string]string
	getErr  error
	setErr  error
	removed int
}

func newMockStorage() *mockStorage {
	return &mockStorage{values: make(map[string]string)}
}

func (m *mockStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = value
	return nil
}

func (m *mockStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	m.removed++
	return nil
}

func (m *mockStorage) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// compile-time interface check
var _ Storage = (*mockStorage)(nil)

func newSession(token string, role model.Role) *model.Session {
	return &model.Session{
		Token: token,
		User:  model.User{ID: "u-1", Email: "a@example.com", Role: role},
	}
}

// --- テスト ---

func TestStore_SetPersistsTokenAndGetReturnsCopy(t *testing.T) {
	storage := newMockStorage()
	store := NewStore(storage, nil)

	if err := store.Set(context.Background(), newSession("tok-1", model.RoleVendor)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	if v, _ := storage.value(TokenKey); v != "tok-1" {
		t.Errorf("persisted token = %q, want tok-1", v)
	}

	got := store.Get()
	got.User.Role = model.RoleAdmin
	if store.Get().User.Role != model.RoleVendor {
		t.Error("mutating the returned session must not change the stored role")
	}
	if store.Get().CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestStore_SetRejectsSessionWithoutToken(t *testing.T) {
	store := NewStore(newMockStorage(), nil)

	if err := store.Set(context.Background(), newSession("", model.RoleUser)); err == nil {
		t.Error("expected error for empty token")
	}
	if err := store.Set(context.Background(), newSession("t", model.Role("root"))); err == nil {
		t.Error("expected error for unknown role")
	}
	if store.Get() != nil {
		t.Error("store should remain empty")
	}
}

func TestStore_SetSucceedsWhenPersistenceFails(t *testing.T) {
	storage := newMockStorage()
	storage.setErr = errors.New("disk full")
	store := NewStore(storage, nil)

	if err := store.Set(context.Background(), newSession("tok", model.RoleUser)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if store.Token() != "tok" {
		t.Errorf("Token = %q, want tok", store.Token())
	}
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	storage := newMockStorage()
	store := NewStore(storage, nil)
	store.Set(context.Background(), newSession("tok", model.RoleUser))

	var notified int
	store.Subscribe(func(model.SessionState) { notified++ })

	for i := 0; i < 2; i++ {
		if err := store.Clear(context.Background()); err != nil {
			t.Fatalf("Clear #%d returned error: %v", i+1, err)
		}
	}

	if store.Get() != nil {
		t.Error("expected no session after Clear")
	}
	if _, ok := storage.value(TokenKey); ok {
		t.Error("expected token removed from storage")
	}
	if notified != 1 {
		t.Errorf("notified %d times, want 1", notified)
	}
}

func TestStore_ClearIfToken(t *testing.T) {
	store := NewStore(newMockStorage(), nil)
	store.Set(context.Background(), newSession("new", model.RoleUser))

	cleared, err := store.ClearIfToken(context.Background(), "old")
	if err != nil || cleared {
		t.Fatalf("ClearIfToken(old) = %v, %v; want false, nil", cleared, err)
	}
	if store.Token() != "new" {
		t.Error("a stale token must not clear the current session")
	}

	cleared, _ = store.ClearIfToken(context.Background(), "new")
	if !cleared {
		t.Error("expected current token to be cleared")
	}
	if store.Get() != nil {
		t.Error("expected no session")
	}
}

func TestStore_HydrateIsProvisionalUntilRevalidated(t *testing.T) {
	storage := newMockStorage()
	storage.values[TokenKey] = "stored"
	store := NewStore(storage, nil)

	token, gen, err := store.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate returned error: %v", err)
	}
	if token != "stored" {
		t.Errorf("token = %q, want stored", token)
	}
	if store.Get() != nil {
		t.Error("hydrated session must not be readable before revalidation")
	}
	if store.Token() != "" {
		t.Error("hydrated token must not be attached before revalidation")
	}
	if !store.State().IsLoading {
		t.Error("expected IsLoading during revalidation")
	}

	ok, err := store.CompareAndSet(context.Background(), gen, newSession("stored", model.RoleAdmin))
	if err != nil || !ok {
		t.Fatalf("CompareAndSet = %v, %v; want true, nil", ok, err)
	}
	state := store.State()
	if state.IsLoading || state.Session == nil || state.Session.User.Role != model.RoleAdmin {
		t.Errorf("unexpected state after revalidation: %+v", state)
	}
}

func TestStore_HydrateRevokedTokenIsCleared(t *testing.T) {
	storage := newMockStorage()
	storage.values[TokenKey] = "revoked"
	store := NewStore(storage, nil)

	token, _, _ := store.Hydrate(context.Background())
	cleared, _ := store.ClearIfToken(context.Background(), token)
	if !cleared {
		t.Fatal("expected provisional token to be cleared")
	}
	if store.State().IsLoading {
		t.Error("expected loading to end")
	}
	if _, ok := storage.value(TokenKey); ok {
		t.Error("expected revoked token removed from storage")
	}
}

func TestStore_AbandonRevalidationKeepsPersistedToken(t *testing.T) {
	storage := newMockStorage()
	storage.values[TokenKey] = "stored"
	store := NewStore(storage, nil)

	_, gen, _ := store.Hydrate(context.Background())
	store.AbandonRevalidation(gen)

	state := store.State()
	if state.IsLoading || state.Session != nil {
		t.Errorf("expected unauthenticated idle state, got %+v", state)
	}
	if v, _ := storage.value(TokenKey); v != "stored" {
		t.Error("persisted token must survive an inconclusive revalidation")
	}
}

func TestStore_CompareAndSetDiscardsStaleGeneration(t *testing.T) {
	store := NewStore(newMockStorage(), nil)
	gen := store.Generation()

	store.Clear(context.Background())

	ok, err := store.CompareAndSet(context.Background(), gen, newSession("late", model.RoleUser))
	if err != nil {
		t.Fatalf("CompareAndSet returned error: %v", err)
	}
	if ok {
		t.Error("expected stale write to be discarded")
	}
	if store.Get() != nil {
		t.Error("expected store to stay empty")
	}
}

func TestStore_HydrateStorageError(t *testing.T) {
	storage := newMockStorage()
	storage.getErr = errors.New("permission denied")
	store := NewStore(storage, nil)

	if _, _, err := store.Hydrate(context.Background()); err == nil {
		t.Error("expected error")
	}
	if store.State().IsLoading {
		t.Error("expected not loading")
	}
}

func TestStore_SubscribeReceivesStatesInOrder(t *testing.T) {
	store := NewStore(newMockStorage(), nil)

	var states []model.SessionState
	unsubscribe := store.Subscribe(func(s model.SessionState) {
		states = append(states, s)
	})

	store.Set(context.Background(), newSession("a", model.RoleUser))
	store.Set(context.Background(), newSession("b", model.RoleVendor))
	store.Clear(context.Background())
	unsubscribe()
	unsubscribe()
	store.Set(context.Background(), newSession("c", model.RoleUser))

	if len(states) != 3 {
		t.Fatalf("received %d states, want 3", len(states))
	}
	if states[0].Session.Token != "a" || states[1].Session.Token != "b" || states[2].Session != nil {
		t.Errorf("unexpected order: %+v", states)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(newMockStorage(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Set(context.Background(), newSession("tok", model.RoleUser))
		}()
		go func() {
			defer wg.Done()
			_ = store.Get()
			store.Clear(context.Background())
		}()
	}
	wg.Wait()
}
