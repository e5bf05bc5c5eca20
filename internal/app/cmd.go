package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はローカルフロントエンドサーバーを起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はセッションストレージのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandWhoami は永続化されたセッションのユーザーを表示することを示す。
	CommandWhoami Command = "whoami"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "whoami":
		return CommandWhoami
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
