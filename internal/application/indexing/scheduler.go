package indexing

import (
	"context"
	"time"

	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/repository"
	"kb-assistant-api/internal/infrastructure/drive"
	"kb-assistant-api/pkg/logger"
	"kb-assistant-api/pkg/metrics"
)

// Scheduler 周期性比对数据源清单并触发静默重建
//
// 校验和只存进程内存，进程重启后首个周期对所有用户视为变更。
// 清单计算失败按变更处理（fail-open），宁可多建一次也不漏同步。
type Scheduler struct {
	manager   *Manager
	conns     repository.ConnectionRepository
	source    DocumentSource
	checksums *ChecksumCache
	interval  time.Duration
	enabled   bool
}

// NewScheduler 创建同步调度器
func NewScheduler(
	manager *Manager,
	conns repository.ConnectionRepository,
	source DocumentSource,
	checksums *ChecksumCache,
	cfg *config.Config,
) *Scheduler {
	interval := cfg.Scheduler.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		manager:   manager,
		conns:     conns,
		source:    source,
		checksums: checksums,
		interval:  interval,
		enabled:   cfg.Scheduler.Enabled,
	}
}

// Run 阻塞运行调度循环，ctx 取消后退出
func (s *Scheduler) Run(ctx context.Context) {
	if !s.enabled {
		logger.Info(ctx, "sync scheduler disabled")
		return
	}

	logger.Info(ctx, "sync scheduler started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "sync scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick 扫描所有已接入用户，清单变更则触发静默重建
func (s *Scheduler) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "indexing.Scheduler.tick")
	defer span.End()

	conns, err := s.conns.ListConnected(ctx)
	if err != nil {
		span.RecordError(err)
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		logger.Error(ctx, "scheduler failed to list connections", err)
		return
	}

	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if !conn.Ready() {
			continue
		}
		s.syncUser(ctx, conn.UserID)
	}
}

func (s *Scheduler) syncUser(ctx context.Context, userID string) {
	conn, err := s.conns.Get(ctx, userID)
	if err != nil || conn == nil {
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return
	}

	checksum, err := s.computeChecksum(ctx, conn.GoogleToken, conn.DriveFolderID, conn.DriveFileIDs)
	if err != nil {
		// 计算失败按变更处理（fail-open）
		logger.Warn(ctx, "scheduler checksum failed, forcing reindex",
			"user_id", userID, "error", err.Error())
		checksum = ""
	}

	if checksum != "" {
		previous, known := s.checksums.Get(userID)
		if known && previous == checksum {
			metrics.SchedulerTicksTotal.WithLabelValues("unchanged").Inc()
			return
		}
	}

	result, err := s.manager.Start(ctx, userID, StartOptions{
		Force:   true,
		Silent:  true,
		Trigger: "scheduled",
	})
	if err != nil {
		// 冲突说明用户正在手动重建，跳过本周期
		metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
		logger.Info(ctx, "scheduler skipped busy user", "user_id", userID)
		return
	}

	if checksum != "" {
		s.checksums.Set(userID, checksum)
	}
	metrics.SchedulerTicksTotal.WithLabelValues("triggered").Inc()
	logger.Info(ctx, "scheduler triggered silent reindex",
		"user_id", userID, "message", result.Message)
}

// computeChecksum 计算用户全部选中文件的清单校验和
func (s *Scheduler) computeChecksum(ctx context.Context, token, folderID string, fileIDs []string) (string, error) {
	seen := make(map[string]bool)
	var files []*drive.FileMeta

	if folderID != "" {
		listed, err := s.source.ListFolderFiles(ctx, token, folderID)
		if err != nil {
			return "", err
		}
		for _, f := range listed {
			if !seen[f.ID] {
				seen[f.ID] = true
				files = append(files, f)
			}
		}
	}
	for _, id := range fileIDs {
		if seen[id] {
			continue
		}
		meta, err := s.source.GetFileMeta(ctx, token, id)
		if err != nil {
			return "", err
		}
		seen[id] = true
		files = append(files, meta)
	}

	return drive.FilesChecksum(files), nil
}
