package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// OpenBrowser はOSの既定ブラウザで認可URLを開くOpener。
func OpenBrowser(ctx context.Context, authURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", authURL)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", authURL)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	go cmd.Wait()
	return nil
}

// LogOpener はブラウザを起動せず、認可URLをログに出力するOpenerを返す。
// ブラウザを起動できない環境で使用する。
func LogOpener(logger *slog.Logger) Opener {
	return func(_ context.Context, authURL string) error {
		logger.Info("フェデレーションサインインを続けるには次のURLを開いてください", slog.String("url", authURL))
		return nil
	}
}
