// Package cron は定期実行ジョブのcrontab登録とsystemdユニット生成を提供する。
// 自前のcrontabブロックをマーカー行で囲んで管理し、
// 既存のユーザーcrontabエントリには触れない。
package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const (
	markerBegin = "# BEGIN newsmill jobs"
	markerEnd   = "# END newsmill jobs"
)

// CrontabRunner はcrontabコマンドの実行を抽象化するインターフェース。
// テスト時にモックに差し替え可能。
type CrontabRunner interface {
	// Read は現在のcrontabの内容を返す。未設定の場合は空文字列を返す。
	Read(ctx context.Context) (string, error)
	// Write はcrontabの内容を丸ごと置き換える。
	Write(ctx context.Context, content string) error
}

// execCrontabRunner はos/execでcrontabコマンドを実行する実装。
type execCrontabRunner struct{}

func (execCrontabRunner) Read(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "crontab", "-l").Output()
	if err != nil {
		// crontab未設定の場合は終了コード1で "no crontab for user" が返る
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("crontabの読み取りに失敗しました: %w", err)
	}
	return string(out), nil
}

func (execCrontabRunner) Write(ctx context.Context, content string) error {
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = bytes.NewBufferString(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("crontabの書き込みに失敗しました: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Manager はcrontabのインストール・アンインストールを管理する。
type Manager struct {
	binaryPath string
	runner     CrontabRunner
	logger     *slog.Logger
}

// NewManager はManagerの新しいインスタンスを生成する。
// binaryPathにはcrontabから起動する実行バイナリの絶対パスを指定する。
func NewManager(binaryPath string, logger *slog.Logger) *Manager {
	return &Manager{
		binaryPath: binaryPath,
		runner:     execCrontabRunner{},
		logger:     logger,
	}
}

// NewManagerWithRunner はCrontabRunnerを差し替えてManagerを生成する。
func NewManagerWithRunner(binaryPath string, runner CrontabRunner, logger *slog.Logger) *Manager {
	return &Manager{
		binaryPath: binaryPath,
		runner:     runner,
		logger:     logger,
	}
}

// CronBlock はインストールするcrontabブロックを組み立てて返す。
//
//	毎時0分: コンテンツ収集
//	5分間隔: 予約送信処理
//	毎日3時: 日次メンテナンス
//	毎週日曜4時: 週次レポート生成
func (m *Manager) CronBlock() string {
	var b strings.Builder
	b.WriteString(markerBegin + "\n")
	fmt.Fprintf(&b, "0 * * * * %s fetch-content\n", m.binaryPath)
	fmt.Fprintf(&b, "*/5 * * * * %s process-scheduled\n", m.binaryPath)
	fmt.Fprintf(&b, "0 3 * * * %s daily-maintenance\n", m.binaryPath)
	fmt.Fprintf(&b, "0 4 * * 0 %s generate-report\n", m.binaryPath)
	b.WriteString(markerEnd + "\n")
	return b.String()
}

// Install はcrontabに自前のジョブブロックを登録する。
// 既にブロックが存在する場合は置き換える（冪等）。
func (m *Manager) Install(ctx context.Context) error {
	current, err := m.runner.Read(ctx)
	if err != nil {
		return err
	}

	stripped := stripBlock(current)
	updated := stripped
	if updated != "" && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += m.CronBlock()

	if err := m.runner.Write(ctx, updated); err != nil {
		return err
	}

	m.logger.Info("crontabにジョブを登録しました",
		slog.String("binary_path", m.binaryPath),
	)
	return nil
}

// Remove はcrontabから自前のジョブブロックを削除する。
// ブロックが存在しない場合も成功扱いとする（冪等）。
func (m *Manager) Remove(ctx context.Context) error {
	current, err := m.runner.Read(ctx)
	if err != nil {
		return err
	}

	stripped := stripBlock(current)
	if stripped == current {
		m.logger.Info("crontabに登録済みのジョブはありません")
		return nil
	}

	if err := m.runner.Write(ctx, stripped); err != nil {
		return err
	}

	m.logger.Info("crontabからジョブを削除しました")
	return nil
}

// stripBlock はマーカーで囲まれた自前のブロックを取り除く。
func stripBlock(content string) string {
	lines := strings.Split(content, "\n")
	var kept []string
	inBlock := false
	for _, line := range lines {
		switch strings.TrimSpace(line) {
		case markerBegin:
			inBlock = true
			continue
		case markerEnd:
			inBlock = false
			continue
		}
		if !inBlock {
			kept = append(kept, line)
		}
	}
	result := strings.Join(kept, "\n")
	return strings.TrimLeft(result, "\n")
}

// SystemdUnit は常駐ワーカー用のsystemdユニットファイルの内容を返す。
func SystemdUnit(binaryPath, workingDir string) string {
	return fmt.Sprintf(`[Unit]
Description=newsmill background worker
After=network.target postgresql.service

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s worker
Restart=on-failure
RestartSec=10

[Install]
WantedBy=multi-user.target
`, workingDir, binaryPath)
}

// WriteSystemdUnit はsystemdユニットファイルを書き出す。
func WriteSystemdUnit(path, binaryPath, workingDir string) error {
	if err := os.WriteFile(path, []byte(SystemdUnit(binaryPath, workingDir)), 0o644); err != nil {
		return fmt.Errorf("systemdユニットの書き込みに失敗しました: %w", err)
	}
	return nil
}
