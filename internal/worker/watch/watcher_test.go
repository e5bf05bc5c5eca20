package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/ticketfront/internal/auth"
	"github.com/hitoshi/ticketfront/internal/model"
)

// --- モック定義 ---

// mockIdentity はIdentityCheckerのテスト用モック。
type mockIdentity struct {
	checkFn func(ctx context.Context) error
	calls   atomic.Int32
}

func (m *mockIdentity) CheckSignedIn(ctx context.Context) error {
	m.calls.Add(1)
	if m.checkFn != nil {
		return m.checkFn(ctx)
	}
	return nil
}

// mockSessions はSessionInvalidatorのテスト用モック。
type mockSessions struct {
	mu      sync.Mutex
	reasons []string
	cleared bool
}

func (m *mockSessions) InvalidateCurrent(_ context.Context, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
	return m.cleared, nil
}

// mockRecorder はCheckRecorderのテスト用モック。
type mockRecorder struct {
	mu      sync.Mutex
	results []string
}

func (m *mockRecorder) RecordIdentityCheck(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

// --- テスト ---

// TestRunOnce_SignedIn はサインイン中であればセッションに触れないことを検証する。
func TestRunOnce_SignedIn(t *testing.T) {
	identity := &mockIdentity{}
	sessions := &mockSessions{}
	recorder := &mockRecorder{}
	logger, _ := newTestLogger()

	w := NewWatcher(identity, sessions, recorder, logger)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(sessions.reasons) != 0 {
		t.Errorf("InvalidateCurrent called %d times, want 0", len(sessions.reasons))
	}
	if len(recorder.results) != 1 || recorder.results[0] != ResultSignedIn {
		t.Errorf("recorded = %v, want [%s]", recorder.results, ResultSignedIn)
	}
}

// TestRunOnce_SignedOutInvalidatesSession はIdPのサインアウトでセッションが破棄されることを検証する。
func TestRunOnce_SignedOutInvalidatesSession(t *testing.T) {
	identity := &mockIdentity{checkFn: func(context.Context) error {
		return fmt.Errorf("identity.check_signed_in: %w", model.ErrIdentitySignedOut)
	}}
	sessions := &mockSessions{cleared: true}
	logger, buf := newTestLogger()

	w := NewWatcher(identity, sessions, nil, logger)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(sessions.reasons) != 1 || sessions.reasons[0] != auth.ReasonIdentitySignedOut {
		t.Errorf("reasons = %v, want [%s]", sessions.reasons, auth.ReasonIdentitySignedOut)
	}
	if !bytes.Contains(buf.Bytes(), []byte("セッションを破棄しました")) {
		t.Errorf("log should mention the cleared session: %s", buf.String())
	}
}

// TestRunOnce_NetworkErrorKeepsSession はIdPに到達できない場合にセッションが維持されることを検証する。
func TestRunOnce_NetworkErrorKeepsSession(t *testing.T) {
	netErr := model.NewAuthError(model.KindNetworkError, "identity.check_signed_in", context.DeadlineExceeded)
	identity := &mockIdentity{checkFn: func(context.Context) error { return netErr }}
	sessions := &mockSessions{}
	recorder := &mockRecorder{}
	logger, _ := newTestLogger()

	w := NewWatcher(identity, sessions, recorder, logger)
	err := w.RunOnce(context.Background())
	if !errors.Is(err, netErr) {
		t.Fatalf("error = %v, want %v", err, netErr)
	}

	if len(sessions.reasons) != 0 {
		t.Error("session must not be invalidated on network error")
	}
	if len(recorder.results) != 1 || recorder.results[0] != ResultUnavailable {
		t.Errorf("recorded = %v, want [%s]", recorder.results, ResultUnavailable)
	}
}

// TestStart_StopsOnCancel はコンテキストのキャンセルで監視が停止することを検証する。
func TestStart_StopsOnCancel(t *testing.T) {
	identity := &mockIdentity{}
	logger, buf := newTestLogger()
	w := NewWatcher(identity, &mockSessions{}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for identity.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("watcher did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}

	if !bytes.Contains(buf.Bytes(), []byte("監視を停止しました")) {
		t.Errorf("log should contain stop message: %s", buf.String())
	}
}
