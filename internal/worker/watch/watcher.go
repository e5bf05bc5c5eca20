// Package watch はIdP上のサインイン状態を定期的に確認するバックグラウンド処理を提供する。
// IdPがサインアウト済みと報告した場合、アプリケーションのセッションも破棄する。
package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/ticketfront/internal/auth"
	"github.com/hitoshi/ticketfront/internal/model"
)

// 確認結果ラベル。
const (
	ResultSignedIn    = "signed_in"
	ResultSignedOut   = "signed_out"
	ResultUnavailable = "unavailable"
)

// IdentityChecker はIdP上のサインイン状態を確認する。identity.Clientが満たす。
type IdentityChecker interface {
	CheckSignedIn(ctx context.Context) error
}

// SessionInvalidator は現在のセッションを破棄する。auth.Serviceが満たす。
type SessionInvalidator interface {
	InvalidateCurrent(ctx context.Context, reason string) (bool, error)
}

// CheckRecorder は確認結果を記録する。metrics.Collectorが満たす。
type CheckRecorder interface {
	RecordIdentityCheck(result string)
}

// Watcher はIdPのサインイン状態を監視する。
type Watcher struct {
	identity IdentityChecker
	sessions SessionInvalidator
	recorder CheckRecorder
	logger   *slog.Logger
}

// NewWatcher はWatcherの新しいインスタンスを生成する。recorderはnilでもよい。
func NewWatcher(identity IdentityChecker, sessions SessionInvalidator, recorder CheckRecorder, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		identity: identity,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}
}

// Start は指定間隔のティッカーで監視を開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Watcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("IdPサインイン状態の監視を開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("IdPサインイン状態の監視を停止しました")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Warn("IdPサインイン状態を確認できませんでした",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はIdPのサインイン状態を1回確認する。
// サインアウト済みであればセッションを破棄する。確認できなかった場合はセッションを維持してエラーを返す。
func (w *Watcher) RunOnce(ctx context.Context) error {
	err := w.identity.CheckSignedIn(ctx)
	switch {
	case err == nil:
		w.record(ResultSignedIn)
		return nil

	case errors.Is(err, model.ErrIdentitySignedOut):
		w.record(ResultSignedOut)
		cleared, invErr := w.sessions.InvalidateCurrent(ctx, auth.ReasonIdentitySignedOut)
		if cleared {
			w.logger.Info("IdPがサインアウト済みのためセッションを破棄しました")
		}
		return invErr

	default:
		w.record(ResultUnavailable)
		return err
	}
}

func (w *Watcher) record(result string) {
	if w.recorder != nil {
		w.recorder.RecordIdentityCheck(result)
	}
}
