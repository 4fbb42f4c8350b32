package store

import (
	"context"
	"time"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
	"github.com/multi-agent/rag-relay/pkg/util"
)

// DefaultRetentionDays 审计记录默认保留天数。
const DefaultRetentionDays = 30

// Cleanup 删除超过 retentionDays 天的审计记录，返回删除行数。
func (s *ExchangeStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relay_exchanges WHERE ts < NOW() - make_interval(days => $1)`,
		retentionDays)
	if err != nil {
		return 0, apperrors.Wrap(err, "ExchangeStore.Cleanup", "delete expired exchanges")
	}
	return int(tag.RowsAffected()), nil
}

// StartCleanup 立即清理一次, 之后每隔 every 清理, 直到 ctx 取消。
func (s *ExchangeStore) StartCleanup(ctx context.Context, retentionDays int, every time.Duration) {
	log := logger.With(logger.FieldComponent, "exchange-cleanup")
	util.SafeGo(func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			n, err := s.Cleanup(ctx, retentionDays)
			if err != nil {
				log.Warn("exchange cleanup failed", logger.FieldError, err)
			} else if n > 0 {
				log.Info("exchange cleanup", logger.FieldCount, n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}
