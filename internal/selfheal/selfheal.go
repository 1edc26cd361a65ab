// Package selfheal はシステムの健全性監視と自動復旧を提供する。
// 各チェックを定期的に実行し、連続失敗が閾値に達したら対応する復旧処置を
// レート制限付きで実行する。
package selfheal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultFailureLimit  = 3
	defaultCooldown      = 30 * time.Minute
)

// Check はヘルスチェック1種を表す。
type Check interface {
	// Name はチェックの識別名を返す。
	Name() string

	// Probe は対象の健全性を確認する。異常があればエラーを返す。
	Probe(ctx context.Context) error

	// Remediate は復旧処置を実行する。
	Remediate(ctx context.Context) error
}

// Config はオーケストレータの設定。
type Config struct {
	// CheckInterval はチェックの実行間隔。
	CheckInterval time.Duration
	// FailureLimit は復旧処置を発動する連続失敗回数。
	FailureLimit int
	// Cooldown は同一チェックの復旧処置の最低間隔。
	Cooldown time.Duration
}

// DefaultConfig はデフォルトのオーケストレータ設定を返す。
func DefaultConfig() Config {
	return Config{
		CheckInterval: defaultCheckInterval,
		FailureLimit:  defaultFailureLimit,
		Cooldown:      defaultCooldown,
	}
}

// Orchestrator は複数のヘルスチェックを束ねて実行する。
// 呼び出し側が所有するインスタンスであり、パッケージグローバルな状態は持たない。
type Orchestrator struct {
	checks   []Check
	config   Config
	failures map[string]int
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(checks []Check, config Config, logger *slog.Logger) *Orchestrator {
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaultCheckInterval
	}
	if config.FailureLimit <= 0 {
		config.FailureLimit = defaultFailureLimit
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiters := make(map[string]*rate.Limiter, len(checks))
	for _, c := range checks {
		limiters[c.Name()] = rate.NewLimiter(rate.Every(config.Cooldown), 1)
	}
	return &Orchestrator{
		checks:   checks,
		config:   config,
		failures: make(map[string]int, len(checks)),
		limiters: limiters,
		logger:   logger,
	}
}

// Start はチェックループをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (o *Orchestrator) Start(ctx context.Context) {
	ticker := time.NewTicker(o.config.CheckInterval)
	defer ticker.Stop()

	o.logger.Info("自己修復ループを開始しました",
		slog.Duration("check_interval", o.config.CheckInterval),
		slog.Int("failure_limit", o.config.FailureLimit),
		slog.Int("check_count", len(o.checks)),
	)

	o.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("自己修復ループを停止しました")
			return
		case <-ticker.C:
			o.RunOnce(ctx)
		}
	}
}

// RunOnce は全チェックを1巡実行する。
// 個々のチェックのエラーやパニックはログに記録し、巡回は継続する。
func (o *Orchestrator) RunOnce(ctx context.Context) {
	for _, check := range o.checks {
		o.runCheck(ctx, check)
	}
}

func (o *Orchestrator) runCheck(ctx context.Context, check Check) {
	name := check.Name()

	err := o.safeProbe(ctx, check)
	if err == nil {
		if o.failures[name] > 0 {
			o.logger.Info("チェックが回復しました", slog.String("check", name))
		}
		o.failures[name] = 0
		return
	}

	o.failures[name]++
	o.logger.Warn("ヘルスチェックに失敗しました",
		slog.String("check", name),
		slog.Int("consecutive_failures", o.failures[name]),
		slog.String("error", err.Error()),
	)

	if o.failures[name] < o.config.FailureLimit {
		return
	}
	if !o.limiters[name].Allow() {
		o.logger.Warn("復旧処置はクールダウン中です", slog.String("check", name))
		return
	}

	if err := o.safeRemediate(ctx, check); err != nil {
		o.logger.Error("復旧処置に失敗しました",
			slog.String("check", name),
			slog.String("error", err.Error()),
		)
		return
	}

	o.logger.Info("復旧処置を実行しました", slog.String("check", name))
	o.failures[name] = 0
}

func (o *Orchestrator) safeProbe(ctx context.Context, check Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("チェック中にパニックが発生しました: %v", r)
		}
	}()
	return check.Probe(ctx)
}

func (o *Orchestrator) safeRemediate(ctx context.Context, check Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("復旧処置中にパニックが発生しました: %v", r)
		}
	}()
	return check.Remediate(ctx)
}
