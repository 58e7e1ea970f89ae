package indexing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/eino/components/embedding"

	"kb-assistant-api/internal/application/indexstore"
	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/infrastructure/drive"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
	apperrors "kb-assistant-api/pkg/errors"
)

// ---- 测试替身 ----

type fakeStatusRepo struct {
	mu      sync.Mutex
	byUser  map[string]*entity.IndexStatus
	history []entity.IndexStatus
}

func newFakeStatusRepo() *fakeStatusRepo {
	return &fakeStatusRepo{byUser: make(map[string]*entity.IndexStatus)}
}

func (r *fakeStatusRepo) Get(_ context.Context, userID string) (*entity.IndexStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (r *fakeStatusRepo) Upsert(_ context.Context, status *entity.IndexStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *status
	r.byUser[status.UserID] = &cp
	r.history = append(r.history, cp)
	return nil
}

func (r *fakeStatusRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
	return nil
}

func (r *fakeStatusRepo) ListByState(_ context.Context, state entity.IndexState) ([]*entity.IndexStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.IndexStatus
	for _, st := range r.byUser {
		if st.State == state {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeStatusRepo) snapshots() []entity.IndexStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.IndexStatus, len(r.history))
	copy(out, r.history)
	return out
}

type fakeConnRepo struct {
	mu     sync.Mutex
	byUser map[string]*entity.UserConnection
}

func newFakeConnRepo() *fakeConnRepo {
	return &fakeConnRepo{byUser: make(map[string]*entity.UserConnection)}
}

func (r *fakeConnRepo) Get(_ context.Context, userID string) (*entity.UserConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (r *fakeConnRepo) Upsert(_ context.Context, conn *entity.UserConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *conn
	r.byUser[conn.UserID] = &cp
	return nil
}

func (r *fakeConnRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
	return nil
}

func (r *fakeConnRepo) ListConnected(_ context.Context) ([]*entity.UserConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.UserConnection
	for _, conn := range r.byUser {
		if conn.HasDriveSource() {
			cp := *conn
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeSource struct {
	mu        sync.Mutex
	files     []*drive.FileMeta
	contents  map[string]string
	listErr   error
	listCalls int

	// blockList 非空时 ListFolderFiles 在此阻塞，直到通道关闭或 ctx 取消
	blockList chan struct{}
	started   chan struct{}
	startOnce sync.Once

	// onList 非空时在清单返回前同步调用，用于在运行中途注入外部操作
	onList func()
}

func (s *fakeSource) ListFolderFiles(ctx context.Context, _, _ string) ([]*drive.FileMeta, error) {
	s.mu.Lock()
	s.listCalls++
	listErr := s.listErr
	out := make([]*drive.FileMeta, len(s.files))
	copy(out, s.files)
	s.mu.Unlock()

	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.onList != nil {
		s.onList()
	}
	if s.blockList != nil {
		select {
		case <-s.blockList:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if listErr != nil {
		return nil, listErr
	}
	return out, nil
}

func (s *fakeSource) GetFileMeta(_ context.Context, _, fileID string) (*drive.FileMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.ID == fileID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("file %s not found", fileID)
}

func (s *fakeSource) DownloadText(_ context.Context, _ string, meta *drive.FileMeta) (string, error) {
	if !strings.HasPrefix(meta.MimeType, "text/") {
		return "", drive.ErrUnsupportedMime
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contents[meta.ID], nil
}

func (s *fakeSource) setFiles(files ...*drive.FileMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
}

func (s *fakeSource) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *fakeSource) setContent(id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[id] = content
}

func (s *fakeSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

type fakeVector struct {
	mu        sync.Mutex
	inserted  map[string][]*milvus.DocumentNode
	deletes   int
	ensureErr error
	insertErr error
}

func newFakeVector() *fakeVector {
	return &fakeVector{inserted: make(map[string][]*milvus.DocumentNode)}
}

func (v *fakeVector) EnsureCollection(_ context.Context) error { return v.ensureErr }

func (v *fakeVector) DeleteByUser(_ context.Context, userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deletes++
	delete(v.inserted, userID)
	return nil
}

func (v *fakeVector) InsertNodes(_ context.Context, userID string, nodes []*milvus.DocumentNode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.insertErr != nil {
		return v.insertErr
	}
	v.inserted[userID] = append(v.inserted[userID], nodes...)
	return nil
}

func (v *fakeVector) Flush(_ context.Context) error { return nil }

func (v *fakeVector) nodesFor(userID string) []*milvus.DocumentNode {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*milvus.DocumentNode, len(v.inserted[userID]))
	copy(out, v.inserted[userID])
	return out
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeEmbedderProvider struct {
	embedder *fakeEmbedder
	err      error
}

func (p *fakeEmbedderProvider) GetWithAPIKey(_ context.Context, _ string) (embedding.Embedder, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.embedder == nil {
		p.embedder = &fakeEmbedder{}
	}
	return p.embedder, nil
}

type noopLister struct{}

func (noopLister) ListNodesByUser(_ context.Context, _ string) ([]*milvus.SearchResult, error) {
	return nil, nil
}

// ---- 测试装配 ----

type managerFixture struct {
	manager   *Manager
	statuses  *fakeStatusRepo
	conns     *fakeConnRepo
	source    *fakeSource
	vector    *fakeVector
	store     *indexstore.Store
	checksums *ChecksumCache
}

func newManagerFixture(source *fakeSource) *managerFixture {
	statuses := newFakeStatusRepo()
	conns := newFakeConnRepo()
	vector := newFakeVector()
	store := indexstore.NewStore(noopLister{}, statuses)
	checksums := NewChecksumCache()

	cfg := &config.Config{}
	cfg.Indexing.ChunkSize = 64
	cfg.Indexing.ChunkOverlap = 8
	cfg.Indexing.StaleAfter = 30 * time.Minute
	cfg.Embedding.BatchSize = 2

	manager := NewManager(statuses, conns, source, vector, &fakeEmbedderProvider{}, store, checksums, cfg)
	return &managerFixture{
		manager:   manager,
		statuses:  statuses,
		conns:     conns,
		source:    source,
		vector:    vector,
		store:     store,
		checksums: checksums,
	}
}

func readyConnection(userID string) *entity.UserConnection {
	conn := entity.NewUserConnection(userID)
	conn.OpenAIAPIKey = "sk-test"
	conn.GoogleToken = "ya29.test"
	conn.DriveFolderID = "folder-1"
	return conn
}

func textFile(id, name, content string) (*drive.FileMeta, string) {
	return &drive.FileMeta{
		ID:             id,
		Name:           name,
		MimeType:       "text/plain",
		ModifiedTime:   "2026-08-01T00:00:00Z",
		HeadRevisionID: "rev-1",
	}, content
}

func newTestSource(files ...*drive.FileMeta) *fakeSource {
	return &fakeSource{files: files, contents: make(map[string]string)}
}

// ---- 用例 ----

func TestStartInlineCompletes(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Tokyo is the capital of Japan.")
	f2, c2 := textFile("file-b", "report.txt", "Quarterly revenue grew by ten percent.")
	source := newTestSource(f1, f2)
	source.contents[f1.ID] = c1
	source.contents[f2.ID] = c2

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	require.True(t, result.Success)

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, entity.IndexStateCompleted, st.State)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 2, st.DocumentCount)
	assert.NotZero(t, st.NodeCount)

	assert.Len(t, fx.vector.nodesFor("u1"), st.NodeCount)

	artifacts := fx.store.Get("u1")
	require.NotNil(t, artifacts)
	assert.Len(t, artifacts.Catalog, 2)
}

func TestStartNoopWhenAlreadyCompleted(t *testing.T) {
	source := newTestSource()
	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	completed := entity.NewIndexStatus("u1")
	completed.MarkCompleted(3, 12)
	require.NoError(t, fx.statuses.Upsert(context.Background(), completed))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "force")
	assert.Equal(t, 0, source.calls())
}

func TestStartForceRebuildsCompletedIndex(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Some indexed content.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	completed := entity.NewIndexStatus("u1")
	completed.MarkCompleted(1, 1)
	require.NoError(t, fx.statuses.Upsert(context.Background(), completed))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{Force: true, Inline: true})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 1, source.calls())
}

func TestStartConflictWhileRunning(t *testing.T) {
	source := newTestSource()
	source.blockList = make(chan struct{})
	source.started = make(chan struct{})

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, entity.IndexStateProcessing, result.Status.State)

	<-source.started

	_, err = fx.manager.Start(context.Background(), "u1", StartOptions{})
	require.ErrorIs(t, err, apperrors.ErrIndexingConflict)

	close(source.blockList)
}

func TestStartConflictWithFreshProcessingRecord(t *testing.T) {
	// 本进程没有任务，但其他实例正在跑（持久状态 PROCESSING 且未陈旧）
	source := newTestSource()
	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	processing := entity.NewIndexStatus("u1")
	processing.MarkProcessing("indexing started")
	require.NoError(t, fx.statuses.Upsert(context.Background(), processing))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{})
	require.ErrorIs(t, err, apperrors.ErrIndexingConflict)
}

func TestStatusReclassifiesStaleRun(t *testing.T) {
	source := newTestSource()
	fx := newManagerFixture(source)

	stale := entity.NewIndexStatus("u1")
	stale.MarkProcessing("indexing started")
	old := time.Now().Add(-2 * time.Hour)
	stale.StartedAt = &old
	stale.UpdatedAt = old
	require.NoError(t, fx.statuses.Upsert(context.Background(), stale))

	st, err := fx.manager.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStateFailed, st.State)
	assert.Contains(t, st.Error, "timed out")

	// 改判必须落库
	persisted, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStateFailed, persisted.State)
}

func TestStatusReturnsPendingForUnknownUser(t *testing.T) {
	fx := newManagerFixture(newTestSource())

	st, err := fx.manager.Status(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStatePending, st.State)
	assert.Equal(t, 0, st.Progress)
}

func TestProgressIsMonotonic(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", strings.Repeat("progress never moves backwards. ", 40))
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)

	last := -1
	for _, snap := range fx.statuses.snapshots() {
		require.GreaterOrEqual(t, snap.Progress, last,
			"progress regressed: %d after %d", snap.Progress, last)
		last = snap.Progress
	}
	assert.Equal(t, 100, last)
}

func TestSilentRunWritesOnlyTerminalStatus(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Silent sync keeps the banner quiet.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{Force: true, Silent: true, Inline: true})
	require.NoError(t, err)

	snaps := fx.statuses.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, entity.IndexStateCompleted, snaps[0].State)
}

func TestEmptyDocumentSetCompletes(t *testing.T) {
	// 全部文件都是不支持的类型：合法的空完成态
	pdf := &drive.FileMeta{ID: "file-x", Name: "scan.pdf", MimeType: "application/pdf"}
	source := newTestSource(pdf)

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	require.True(t, result.Success)

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStateCompleted, st.State)
	assert.Equal(t, 0, st.DocumentCount)
	assert.Equal(t, 0, st.NodeCount)

	// 工件存在但节点为空，目录仍包含被跳过的文件
	artifacts := fx.store.Get("u1")
	require.NotNil(t, artifacts)
	assert.Empty(t, artifacts.Nodes)
	assert.Len(t, artifacts.Catalog, 1)
}

func TestCancelDuringEmptyListingKeepsFailedState(t *testing.T) {
	// 清单为空且返回前任务被取消：空完成分支不得覆盖 Cancel 写入的终态
	source := newTestSource()
	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	source.onList = func() {
		require.NoError(t, fx.manager.Cancel(context.Background(), "u1"))
	}

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	assert.False(t, result.Success)

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStateFailed, st.State)
	assert.Contains(t, st.Error, "cancelled")
}

func TestInlineStartSurfacesFailureMessage(t *testing.T) {
	source := newTestSource()
	source.listErr = errors.New("drive is down")

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEqual(t, "indexing finished", result.Message)
	assert.Contains(t, result.Message, "document list")
}

func TestStartRejectsUnreadyConnectionWithoutStateWrite(t *testing.T) {
	source := newTestSource()
	fx := newManagerFixture(source)
	// 配置缺失 OpenAI 密钥
	conn := entity.NewUserConnection("u1")
	conn.GoogleToken = "ya29.test"
	conn.DriveFolderID = "folder-1"
	require.NoError(t, fx.conns.Upsert(context.Background(), conn))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeInvalidParam, appErr.Code)

	// 校验失败不得留下任何状态痕迹
	assert.Empty(t, fx.statuses.snapshots())
	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 0, source.calls())
}

func TestStartRejectsMissingConnection(t *testing.T) {
	fx := newManagerFixture(newTestSource())

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeInvalidParam, appErr.Code)
	assert.Empty(t, fx.statuses.snapshots())
}

func TestCancelRunningJob(t *testing.T) {
	source := newTestSource()
	source.blockList = make(chan struct{})
	source.started = make(chan struct{})

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{})
	require.NoError(t, err)
	<-source.started

	require.NoError(t, fx.manager.Cancel(context.Background(), "u1"))

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStateFailed, st.State)
	assert.Contains(t, st.Error, "cancelled")

	// 被取消的 worker 退出后不得覆盖终态
	require.Eventually(t, func() bool {
		st, err := fx.statuses.Get(context.Background(), "u1")
		return err == nil && st.State == entity.IndexStateFailed
	}, time.Second, 10*time.Millisecond)
}

func TestCancelWithoutRunningJob(t *testing.T) {
	fx := newManagerFixture(newTestSource())

	err := fx.manager.Cancel(context.Background(), "u1")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeNotFound, appErr.Code)
}

func TestResetClearsEverything(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Content to be wiped.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	require.NotNil(t, fx.store.Get("u1"))
	fx.checksums.Set("u1", "abc")

	require.NoError(t, fx.manager.Reset(context.Background(), "u1"))

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStatePending, st.State)
	assert.Nil(t, fx.store.Get("u1"))
	assert.Empty(t, fx.vector.nodesFor("u1"))

	_, known := fx.checksums.Get("u1")
	assert.False(t, known)
}

func TestOnConnectionChangedResetsStatus(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Old source content.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	_, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	fx.checksums.Set("u1", "abc")

	require.NoError(t, fx.manager.OnConnectionChanged(context.Background(), "u1"))

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStatePending, st.State)
	assert.Nil(t, fx.store.Get("u1"))

	_, known := fx.checksums.Get("u1")
	assert.False(t, known)
}

func TestIngestFailureMarksFailed(t *testing.T) {
	source := newTestSource()
	source.listErr = errors.New("drive is down")

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	result, err := fx.manager.Start(context.Background(), "u1", StartOptions{Inline: true})
	require.NoError(t, err)
	assert.False(t, result.Success)

	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.IndexStateFailed, st.State)
}

func TestListSelectedFilesMergesAndDedupes(t *testing.T) {
	f1, _ := textFile("file-b", "b.txt", "")
	f2, _ := textFile("file-a", "a.txt", "")
	source := newTestSource(f1, f2)

	fx := newManagerFixture(source)
	conn := readyConnection("u1")
	conn.DriveFileIDs = []string{"file-a", "file-b"} // 与文件夹内容重复

	files, err := fx.manager.listSelectedFiles(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, files, 2)
	// 按 ID 排序
	assert.Equal(t, "file-a", files[0].ID)
	assert.Equal(t, "file-b", files[1].ID)
}
