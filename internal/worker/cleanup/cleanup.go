// Package cleanup は退役した署名鍵の定期削除ジョブを提供する。
// TTL と検証猶予期間を過ぎた鍵は、どのトークンの検証にも使われないため削除してよい。
// 最新の鍵は期限に関わらず残す。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// KeyPruner は署名鍵の削除を抽象化するインターフェース。
// repository.SigningKeyRepositoryの部分集合として定義する。
type KeyPruner interface {
	DeleteIssuedBefore(ctx context.Context, before time.Time) (int64, error)
}

// PruneRecorder は削除件数を記録する。metrics.Collectorが実装する。
type PruneRecorder interface {
	KeysPruned(count int64)
}

// CleanupJob は退役した署名鍵の削除ジョブ。冪等に実行できる。
type CleanupJob struct {
	pruner KeyPruner
	logger *slog.Logger
	now    func() time.Time

	// Retention はこの期間より前に発行された鍵を削除対象とする（KEY_TTL + KEY_OVERLAP）。
	Retention time.Duration
	// Recorder は nil でもよい。
	Recorder PruneRecorder
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(pruner KeyPruner, logger *slog.Logger, retention time.Duration) *CleanupJob {
	return &CleanupJob{
		pruner:    pruner,
		logger:    logger,
		now:       time.Now,
		Retention: retention,
	}
}

// Run は保持期間を超過した署名鍵を削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.Add(-j.Retention)

	deletedCount, err := j.pruner.DeleteIssuedBefore(ctx, before)
	if err != nil {
		j.logger.Error("署名鍵クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("署名鍵クリーンアップの実行に失敗: %w", err)
	}
	if j.Recorder != nil {
		j.Recorder.KeysPruned(deletedCount)
	}

	j.logger.Info("署名鍵クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Time("issued_before", before),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// RunLoop は interval ごとに Run を実行し、ctx がキャンセルされると nil を返す。
// 起動直後に1回実行する。個々の実行エラーはログに記録して継続する。
func (j *CleanupJob) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("クリーンアップ間隔は正の値が必要です: %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = j.Run(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
