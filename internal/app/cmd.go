package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモード（フェッチ・送信ポーリング・メンテナンス）で起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandInit はデータベースの初期化（マイグレーション適用）を行うことを示す。
	CommandInit Command = "init"

	// CommandFetchContent はコンテンツ収集を1サイクルだけ実行することを示す。cron用。
	CommandFetchContent Command = "fetch-content"
	// CommandProcessScheduled は送信予定エディションの配信を1回実行することを示す。cron用。
	CommandProcessScheduled Command = "process-scheduled"
	// CommandDailyMaintenance は日次メンテナンスを1回実行することを示す。cron用。
	CommandDailyMaintenance Command = "daily-maintenance"
	// CommandGenerateReport は分析レポートを標準出力に出力することを示す。cron用。
	CommandGenerateReport Command = "generate-report"

	// CommandSetupCron はcronジョブをcrontabにインストールすることを示す。
	CommandSetupCron Command = "setup-cron"
	// CommandRemoveCron はcrontabから自ジョブを削除することを示す。
	CommandRemoveCron Command = "remove-cron"

	// CommandAddSubscriber は購読者を1件追加することを示す。
	CommandAddSubscriber Command = "add-subscriber"
	// CommandCreateNewsletter はニュースレターを1件作成することを示す。
	CommandCreateNewsletter Command = "create-newsletter"
	// CommandGenerateTestNewsletter はエディションを生成して下書き保存することを示す。
	CommandGenerateTestNewsletter Command = "generate-test-newsletter"
	// CommandPreviewNewsletter はエディションのHTML本文を標準出力に出力することを示す。
	CommandPreviewNewsletter Command = "preview-newsletter"
	// CommandSendTestEmail はエディションをテストモードで指定アドレスに送信することを示す。
	CommandSendTestEmail Command = "send-test-email"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
// start-schedulerはworkerの別名として受け付ける。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "worker", "start-scheduler":
		return CommandWorker
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "init":
		return CommandInit
	case "fetch-content":
		return CommandFetchContent
	case "process-scheduled":
		return CommandProcessScheduled
	case "daily-maintenance":
		return CommandDailyMaintenance
	case "generate-report":
		return CommandGenerateReport
	case "setup-cron":
		return CommandSetupCron
	case "remove-cron":
		return CommandRemoveCron
	case "add-subscriber":
		return CommandAddSubscriber
	case "create-newsletter":
		return CommandCreateNewsletter
	case "generate-test-newsletter":
		return CommandGenerateTestNewsletter
	case "preview-newsletter":
		return CommandPreviewNewsletter
	case "send-test-email":
		return CommandSendTestEmail
	default:
		return CommandServe
	}
}
