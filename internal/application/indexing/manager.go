// Package indexing 实现索引构建任务管理
//
// 每个用户同一时刻至多一个构建任务；冲突直接上报，不排队。
// 进度只增不减，终态写入持久状态表。
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudwego/eino/components/embedding"

	"kb-assistant-api/internal/application/indexstore"
	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/domain/repository"
	"kb-assistant-api/internal/infrastructure/drive"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
	apperrors "kb-assistant-api/pkg/errors"
	"kb-assistant-api/pkg/logger"
	"kb-assistant-api/pkg/metrics"
)

var tracer = otel.Tracer("indexing")

// 进度里程碑
const (
	progressConnect  = 10
	progressFetch    = 25
	progressProcess  = 40
	progressEmbed    = 50
	progressClear    = 55
	progressBuild    = 65
	progressUpsert   = 80
	progressFinalize = 95
)

// StartOptions 构建任务启动选项
type StartOptions struct {
	// Force 已完成的索引也强制重建
	Force bool
	// Silent 静默模式：运行期间不写 PROCESSING/进度，仅写终态
	Silent bool
	// Inline 同步执行（调试/测试用），默认异步
	Inline bool
	// Trigger 触发来源，用于指标（manual/scheduled）
	Trigger string
}

// StartResult 构建任务启动结果
type StartResult struct {
	Success bool                `json:"success"`
	Status  *entity.IndexStatus `json:"status"`
	Message string              `json:"message"`
}

// Manager 索引构建任务管理器
type Manager struct {
	statuses  repository.IndexStatusRepository
	conns     repository.ConnectionRepository
	source    DocumentSource
	vector    VectorIndex
	embedders EmbedderProvider
	store     *indexstore.Store
	checksums *ChecksumCache
	chunker   *Chunker

	staleAfter time.Duration
	batchSize  int

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager 创建任务管理器
func NewManager(
	statuses repository.IndexStatusRepository,
	conns repository.ConnectionRepository,
	source DocumentSource,
	vector VectorIndex,
	embedders EmbedderProvider,
	store *indexstore.Store,
	checksums *ChecksumCache,
	cfg *config.Config,
) *Manager {
	staleAfter := cfg.Indexing.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	batchSize := cfg.Embedding.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Manager{
		statuses:   statuses,
		conns:      conns,
		source:     source,
		vector:     vector,
		embedders:  embedders,
		store:      store,
		checksums:  checksums,
		chunker:    NewChunker(cfg.Indexing.ChunkSize, cfg.Indexing.ChunkOverlap),
		staleAfter: staleAfter,
		batchSize:  batchSize,
		running:    make(map[string]context.CancelFunc),
	}
}

// Status 读取用户索引状态
// PROCESSING 超过陈旧上限时改判为 FAILED 并落库（崩溃恢复）
func (m *Manager) Status(ctx context.Context, userID string) (*entity.IndexStatus, error) {
	ctx, span := tracer.Start(ctx, "indexing.Manager.Status",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	st, err := m.statuses.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if st == nil {
		return entity.NewIndexStatus(userID), nil
	}

	if st.IsStale(m.staleAfter) && !m.isRunning(userID) {
		st.MarkFailed("indexing timed out")
		if err := m.statuses.Upsert(ctx, st); err != nil {
			span.RecordError(err)
			return nil, err
		}
		logger.Warn(ctx, "stale indexing run reclassified as failed", "user_id", userID)
	}

	return st, nil
}

// Start 启动构建任务
// 同一用户已有任务在跑时返回冲突；不排队
func (m *Manager) Start(ctx context.Context, userID string, opts StartOptions) (*StartResult, error) {
	ctx, span := tracer.Start(ctx, "indexing.Manager.Start",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.Bool("force", opts.Force),
			attribute.Bool("silent", opts.Silent),
		))
	defer span.End()

	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}

	// 配置校验失败直接拒绝，不写任何状态
	conn, err := m.conns.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.Ready() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "connection is not configured")
	}

	st, err := m.Status(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.running[userID]; ok {
		m.mu.Unlock()
		return nil, apperrors.ErrIndexingConflict
	}
	// 本进程无任务但持久状态仍为 PROCESSING 且未陈旧：可能是其他实例在跑
	if st.State == entity.IndexStateProcessing && !st.IsStale(m.staleAfter) {
		m.mu.Unlock()
		return nil, apperrors.ErrIndexingConflict
	}
	if !opts.Force && st.State == entity.IndexStateCompleted {
		m.mu.Unlock()
		return &StartResult{
			Success: true,
			Status:  st,
			Message: "index is already built; use force to rebuild",
		}, nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running[userID] = cancel
	m.mu.Unlock()

	// 手动重建后清除校验和，下一次调度重新比对
	m.checksums.Clear(userID)
	metrics.IndexingActive.Inc()

	if opts.Inline {
		m.run(runCtx, userID, opts)
		st, err := m.statuses.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		success := st != nil && st.State == entity.IndexStateCompleted
		message := "indexing finished"
		if !success && st != nil && st.Error != "" {
			message = st.Error
		}
		return &StartResult{
			Success: success,
			Status:  st,
			Message: message,
		}, nil
	}

	go m.run(runCtx, userID, opts)

	started := *st
	started.MarkProcessing("indexing started")
	return &StartResult{
		Success: true,
		Status:  &started,
		Message: "indexing started",
	}, nil
}

// Cancel 取消用户的在途任务
func (m *Manager) Cancel(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "indexing.Manager.Cancel",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	m.mu.Lock()
	cancel, ok := m.running[userID]
	if ok {
		delete(m.running, userID)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "no indexing run in progress")
	}

	cancel()
	metrics.IndexingActive.Dec()

	st, err := m.statuses.Get(ctx, userID)
	if err != nil {
		return err
	}
	if st == nil {
		st = entity.NewIndexStatus(userID)
	}
	st.MarkFailed("indexing was cancelled")
	if err := m.statuses.Upsert(ctx, st); err != nil {
		return err
	}

	logger.Info(ctx, "indexing run cancelled", "user_id", userID)
	return nil
}

// Reset 重置用户索引：取消在途任务、清空向量数据与内存工件、状态归零
func (m *Manager) Reset(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "indexing.Manager.Reset",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	m.mu.Lock()
	if cancel, ok := m.running[userID]; ok {
		cancel()
		delete(m.running, userID)
		metrics.IndexingActive.Dec()
	}
	m.mu.Unlock()

	if err := m.vector.DeleteByUser(ctx, userID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear vector index: %w", err)
	}

	m.store.Evict(userID)
	m.checksums.Clear(userID)

	if err := m.statuses.Upsert(ctx, entity.NewIndexStatus(userID)); err != nil {
		span.RecordError(err)
		return err
	}

	logger.Info(ctx, "index reset", "user_id", userID)
	return nil
}

// OnConnectionChanged 接入配置变更时调用：状态归 PENDING、驱逐工件、清除校验和
func (m *Manager) OnConnectionChanged(ctx context.Context, userID string) error {
	m.store.Evict(userID)
	m.checksums.Clear(userID)
	return m.statuses.Upsert(ctx, entity.NewIndexStatus(userID))
}

func (m *Manager) isRunning(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[userID]
	return ok
}

// run 执行一次完整的构建流水线
func (m *Manager) run(ctx context.Context, userID string, opts StartOptions) {
	ctx, span := tracer.Start(ctx, "indexing.Manager.run",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("trigger", opts.Trigger),
		))
	defer span.End()

	start := time.Now()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		m.mu.Lock()
		if _, ok := m.running[userID]; ok {
			delete(m.running, userID)
			metrics.IndexingActive.Dec()
		}
		m.mu.Unlock()
	}
	defer release()

	st := entity.NewIndexStatus(userID)
	st.MarkProcessing("indexing started")
	if !opts.Silent {
		if err := m.statuses.Upsert(ctx, st); err != nil {
			logger.Error(ctx, "failed to write indexing status", err, "user_id", userID)
			return
		}
	}

	fail := func(err error) {
		span.RecordError(err)
		metrics.IndexingRunsTotal.WithLabelValues(opts.Trigger, "failed").Inc()
		// 任务被取消时终态已由 Cancel/Reset 写入，这里不再覆盖
		if ctx.Err() != nil {
			logger.Info(ctx, "indexing run superseded, skipping terminal write", "user_id", userID)
			return
		}
		st.MarkFailed(err.Error())
		if uerr := m.statuses.Upsert(context.WithoutCancel(ctx), st); uerr != nil {
			logger.Error(ctx, "failed to write terminal indexing status", uerr, "user_id", userID)
		}
		logger.Error(ctx, "indexing run failed", err, "user_id", userID)
	}

	documents, files, err := m.ingest(ctx, userID, st, opts.Silent)
	if err != nil {
		fail(err)
		return
	}

	// 空文档集也是合法的完成态：零计数，工件为空目录
	if len(documents) == 0 {
		m.store.Put(userID, &indexstore.Artifacts{
			Nodes:   nil,
			Catalog: indexstore.BuildCatalog(fileNameIndex(files)),
			BuiltAt: time.Now(),
		})
		if ctx.Err() != nil {
			logger.Info(ctx, "indexing run superseded, skipping terminal write", "user_id", userID)
			return
		}
		st.MarkCompleted(0, 0)
		if err := m.statuses.Upsert(context.WithoutCancel(ctx), st); err != nil {
			logger.Error(ctx, "failed to write terminal indexing status", err, "user_id", userID)
			return
		}
		metrics.IndexingRunsTotal.WithLabelValues(opts.Trigger, "completed").Inc()
		logger.Info(ctx, "indexing completed with empty document set", "user_id", userID)
		return
	}

	nodes, err := m.build(ctx, userID, st, documents, opts.Silent)
	if err != nil {
		fail(err)
		return
	}

	m.advance(ctx, st, progressFinalize, "finalizing index", opts.Silent)
	m.store.Evict(userID)
	m.store.Put(userID, &indexstore.Artifacts{
		Nodes:   nodes,
		Catalog: indexstore.BuildCatalog(fileNameIndex(files)),
		BuiltAt: time.Now(),
	})

	if ctx.Err() != nil {
		logger.Info(ctx, "indexing run superseded, skipping terminal write", "user_id", userID)
		return
	}

	st.MarkCompleted(len(documents), len(nodes))
	if err := m.statuses.Upsert(context.WithoutCancel(ctx), st); err != nil {
		logger.Error(ctx, "failed to write terminal indexing status", err, "user_id", userID)
		return
	}

	release()
	metrics.IndexingRunsTotal.WithLabelValues(opts.Trigger, "completed").Inc()
	metrics.IndexingDuration.WithLabelValues(opts.Trigger).Observe(time.Since(start).Seconds())
	metrics.IndexedDocuments.WithLabelValues(opts.Trigger).Observe(float64(len(documents)))
	logger.Info(ctx, "indexing completed",
		"user_id", userID,
		"documents", len(documents),
		"nodes", len(nodes),
		"elapsed", time.Since(start).String(),
	)
}

// ingest 拉取并处理文档：连接校验、清单获取、文本下载
func (m *Manager) ingest(ctx context.Context, userID string, st *entity.IndexStatus, silent bool) ([]*entity.Document, []*drive.FileMeta, error) {
	m.advance(ctx, st, progressConnect, "connecting to data source", silent)

	conn, err := m.conns.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil || !conn.Ready() {
		return nil, nil, apperrors.New(apperrors.CodeInvalidParam, "connection is not configured")
	}

	if err := m.vector.EnsureCollection(ctx); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "vector store unavailable")
	}

	m.advance(ctx, st, progressFetch, "fetching document list", silent)
	files, err := m.listSelectedFiles(ctx, conn)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeIngestionFailed, "failed to fetch document list")
	}

	m.advance(ctx, st, progressProcess, "processing documents", silent)
	documents := make([]*entity.Document, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		content, err := m.source.DownloadText(ctx, conn.GoogleToken, f)
		if err != nil {
			if errors.Is(err, drive.ErrUnsupportedMime) {
				logger.Warn(ctx, "skipping non-text document",
					"user_id", userID, "file_id", f.ID, "mime_type", f.MimeType)
				continue
			}
			return nil, nil, apperrors.Wrap(err, apperrors.CodeIngestionFailed, "failed to download document")
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		documents = append(documents, &entity.Document{
			FileID:       f.ID,
			FileName:     f.Name,
			RevisionID:   f.HeadRevisionID,
			MimeType:     f.MimeType,
			ModifiedTime: f.ModifiedTime,
			Content:      content,
		})
	}

	return documents, files, nil
}

// build 切分、向量化并写入向量库
func (m *Manager) build(ctx context.Context, userID string, st *entity.IndexStatus, documents []*entity.Document, silent bool) ([]*entity.Node, error) {
	m.advance(ctx, st, progressEmbed, "preparing embeddings", silent)

	conn, err := m.conns.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	apiKey := ""
	if conn != nil {
		apiKey = conn.OpenAIAPIKey
	}
	embedder, err := m.embedders.GetWithAPIKey(ctx, apiKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingFailed, "failed to create embedder")
	}

	var nodes []*entity.Node
	for _, doc := range documents {
		nodes = append(nodes, m.chunker.BuildNodes(userID, doc)...)
	}

	// 旧数据先删后写，保证同一修订重复构建幂等
	m.advance(ctx, st, progressClear, "clearing previous index", silent)
	if err := m.vector.DeleteByUser(ctx, userID); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeIndexBuildFailed, "failed to clear previous index")
	}

	m.advance(ctx, st, progressBuild, "building index", silent)
	vectors, err := m.embedNodes(ctx, embedder, nodes)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeEmbeddingFailed, "failed to embed documents")
	}

	m.advance(ctx, st, progressUpsert, "upserting vectors", silent)
	records := make([]*milvus.DocumentNode, 0, len(nodes))
	for i, n := range nodes {
		records = append(records, &milvus.DocumentNode{
			ID:               n.ID,
			Vector:           vectors[i],
			UserID:           n.UserID,
			FileID:           n.FileID,
			FileName:         n.FileName,
			RevisionID:       n.RevisionID,
			PageNumber:       n.PageNumber,
			ExtractionMethod: n.ExtractionMethod,
			TextContent:      n.Text,
		})
	}
	if err := m.vector.InsertNodes(ctx, userID, records); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeIndexBuildFailed, "failed to upsert vectors")
	}
	if err := m.vector.Flush(ctx); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeIndexBuildFailed, "failed to flush vector store")
	}

	return nodes, nil
}

// listSelectedFiles 合并文件夹内容与显式勾选的文件，按 ID 去重
func (m *Manager) listSelectedFiles(ctx context.Context, conn *entity.UserConnection) ([]*drive.FileMeta, error) {
	seen := make(map[string]bool)
	var files []*drive.FileMeta

	if conn.DriveFolderID != "" {
		listed, err := m.source.ListFolderFiles(ctx, conn.GoogleToken, conn.DriveFolderID)
		if err != nil {
			return nil, err
		}
		for _, f := range listed {
			if !seen[f.ID] {
				seen[f.ID] = true
				files = append(files, f)
			}
		}
	}

	for _, id := range conn.DriveFileIDs {
		if seen[id] {
			continue
		}
		meta, err := m.source.GetFileMeta(ctx, conn.GoogleToken, id)
		if err != nil {
			return nil, err
		}
		seen[id] = true
		files = append(files, meta)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

// advance 推进进度；静默模式或任务已取消时不落库
func (m *Manager) advance(ctx context.Context, st *entity.IndexStatus, progress int, message string, silent bool) {
	st.Advance(progress, message)
	if silent || ctx.Err() != nil {
		return
	}
	if err := m.statuses.Upsert(ctx, st); err != nil {
		logger.Warn(ctx, "failed to write indexing progress", "progress", progress, "error", err.Error())
	}
}

// embedNodes 分批向量化
func (m *Manager) embedNodes(ctx context.Context, embedder embedding.Embedder, nodes []*entity.Node) ([][]float32, error) {
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Text
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += m.batchSize {
		end := start + m.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		v64, err := embedder.EmbedStrings(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for _, vec := range v64 {
			f32 := make([]float32, 0, len(vec))
			for _, x := range vec {
				f32 = append(f32, float32(x))
			}
			out = append(out, f32)
		}
	}
	return out, nil
}

// fileNameIndex 构建 file_id → file_name 映射
func fileNameIndex(files []*drive.FileMeta) map[string]string {
	idx := make(map[string]string, len(files))
	for _, f := range files {
		idx[f.ID] = f.Name
	}
	return idx
}
