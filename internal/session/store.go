// Package session はアプリケーションのセッションを保持するストアを提供する。
// ストアはプロセスに1つだけ存在し、セッションの書き込みはSetとClearに限られる。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/ticketfront/internal/model"
)

// TokenKey は永続ストレージ上でセッショントークンを保存するキー。
const TokenKey = "session_token"

// Storage はセッショントークンを保存する永続ストレージのインターフェース。
type Storage interface {
	// Get はキーの値を返す。存在しない場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set はキーに値を保存する。
	Set(ctx context.Context, key, value string) error
	// Remove はキーを削除する。存在しない場合もエラーとしない。
	Remove(ctx context.Context, key string) error
}

// Listener はセッション状態の変化を受け取る。
type Listener func(model.SessionState)

// Store はセッションを保持する。
//
// 永続ストレージから復元したトークンは再検証が完了するまで暫定扱いで、
// その間Getはnilを返し、StateはIsLoading=trueを返す。
type Store struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	session     *model.Session
	provisional string
	loading     bool
	generation  uint64
	listeners   map[uint64]Listener
	nextID      uint64

	// notifyMu は状態変更と通知の順序を揃える。
	notifyMu sync.Mutex
}

// NewStore はStoreを生成する。
func NewStore(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage:   storage,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[uint64]Listener),
	}
}

// Get は検証済みのセッションのコピーを返す。
// 未認証または再検証中の場合はnilを返す。
func (s *Store) Get() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// Token は検証済みセッションのトークンを返す。なければ空文字。
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.Token
}

// State は現在のセッション状態を返す。
func (s *Store) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Generation はセッションが置き換えられるたびに増加する世代番号を返す。
// 非同期処理の結果が古くなっていないかの判定に使う。
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Set はセッションを保存し、トークンを永続化する。
// セッション交換の結果以外から呼んではならない。
func (s *Store) Set(ctx context.Context, session *model.Session) error {
	_, err := s.set(ctx, nil, session)
	return err
}

// CompareAndSet は世代番号がgenerationのままである場合に限りセッションを保存する。
// 保存した場合はtrueを返す。
func (s *Store) CompareAndSet(ctx context.Context, generation uint64, session *model.Session) (bool, error) {
	return s.set(ctx, &generation, session)
}

func (s *Store) set(ctx context.Context, generation *uint64, session *model.Session) (bool, error) {
	if !session.Authenticated() {
		return false, errors.New("session: cannot store a session without token")
	}
	if !session.User.Role.Valid() {
		return false, fmt.Errorf("session: invalid role %q", session.User.Role)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if generation != nil && *generation != s.generation {
		s.mu.Unlock()
		return false, nil
	}
	c := session.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.session = c
	s.provisional = ""
	s.loading = false
	s.generation++
	state := s.snapshotLocked()
	s.mu.Unlock()

	// 永続化に失敗してもメモリ上のセッションは有効とする（次回起動時に再サインインとなる）
	if err := s.storage.Set(ctx, TokenKey, c.Token); err != nil {
		s.logger.Warn("セッショントークンの永続化に失敗しました", slog.String("error", err.Error()))
	}

	s.notify(state)
	return true, nil
}

// Clear はセッションを破棄し、永続ストレージからも削除する。
// 何度呼んでも安全。
func (s *Store) Clear(ctx context.Context) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := s.clearLocked()
	state := s.snapshotLocked()
	s.mu.Unlock()

	err := s.removeToken(ctx)
	if changed {
		s.notify(state)
	}
	return err
}

// ClearIfToken はセッションのトークンがtokenのままである場合に限り破棄する。
// 破棄した場合はtrueを返す。既に別のセッションに置き換わっていれば何もしない。
func (s *Store) ClearIfToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	current := s.provisional
	if s.session != nil {
		current = s.session.Token
	}
	if current != token {
		s.mu.Unlock()
		return false, nil
	}
	s.clearLocked()
	state := s.snapshotLocked()
	s.mu.Unlock()

	err := s.removeToken(ctx)
	s.notify(state)
	return true, err
}

// Hydrate は永続ストレージからトークンを読み出し、暫定状態にする。
// トークンがあればそれを返し、状態はバックエンドでの再検証が終わるまでIsLoading=trueとなる。
func (s *Store) Hydrate(ctx context.Context) (string, uint64, error) {
	token, ok, err := s.storage.Get(ctx, TokenKey)
	if err != nil {
		return "", s.Generation(), fmt.Errorf("failed to read session token: %w", err)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !ok || token == "" || s.session != nil {
		gen := s.generation
		s.mu.Unlock()
		return "", gen, nil
	}
	s.provisional = token
	s.loading = true
	gen := s.generation
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(state)
	return token, gen, nil
}

// AbandonRevalidation は再検証を結論なしで終える。
// 永続化されたトークンは残し、メモリ上は未認証とする。
func (s *Store) AbandonRevalidation(generation uint64) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if generation != s.generation || !s.loading {
		s.mu.Unlock()
		return
	}
	s.provisional = ""
	s.loading = false
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(state)
}

// Subscribe は状態変化の通知先を登録し、登録解除関数を返す。
// 通知は変更順に、ストアのロックの外で行われる。リスナー内からSetやClearを呼んではならない。
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// clearLocked はメモリ上のセッションを破棄する。状態が変わった場合はtrueを返す。
func (s *Store) clearLocked() bool {
	changed := s.session != nil || s.provisional != "" || s.loading
	s.session = nil
	s.provisional = ""
	s.loading = false
	s.generation++
	return changed
}

func (s *Store) removeToken(ctx context.Context) error {
	if err := s.storage.Remove(ctx, TokenKey); err != nil {
		s.logger.Warn("セッショントークンの削除に失敗しました", slog.String("error", err.Error()))
		return fmt.Errorf("failed to remove session token: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() model.SessionState {
	return model.SessionState{Session: s.session.Clone(), IsLoading: s.loading}
}

// notify はリスナーへ状態を通知する。notifyMuを保持した状態で呼ぶこと。
func (s *Store) notify(state model.SessionState) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(model.SessionState{Session: state.Session.Clone(), IsLoading: state.IsLoading})
	}
}
