// Package cleanup は認証データの自動削除ジョブを提供する。
// 期限切れのリフレッシュセッションと、保持期間（デフォルト90日）を超過した
// 監査ログを日次バッチで削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/unitconv/internal/metrics"
)

const (
	targetSessions     = "sessions"
	targetActivityLogs = "activity_logs"
)

// SessionPurger は期限切れセッションの削除を抽象化する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// ActivityLogPurger は古い監査ログの削除を抽象化する。
type ActivityLogPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れデータの自動削除ジョブ。
// 冪等な削除処理のみを行うため、何度実行しても結果は変わらない。
type CleanupJob struct {
	sessions      SessionPurger
	logs          ActivityLogPurger
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	now           func() time.Time
	RetentionDays int // 監査ログの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPurger, logs ActivityLogPurger, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		sessions:      sessions,
		logs:          logs,
		logger:        logger,
		metrics:       collector,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Run は期限切れセッションと古い監査ログを削除する。
// 一方が失敗しても他方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	sessionErr := j.purge(ctx, targetSessions, j.sessions.DeleteExpired)

	before := j.now().AddDate(0, 0, -j.RetentionDays)
	logErr := j.purge(ctx, targetActivityLogs, func(ctx context.Context) (int64, error) {
		return j.logs.DeleteOlderThan(ctx, before)
	})

	return errors.Join(sessionErr, logErr)
}

func (j *CleanupJob) purge(ctx context.Context, target string, fn func(context.Context) (int64, error)) error {
	start := time.Now()

	deleted, err := fn(ctx)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s のクリーンアップに失敗: %w", target, err)
	}

	duration := time.Since(start)
	j.metrics.RecordCleanup(target, deleted, duration)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.String("target", target),
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
