package indexing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/entity"
)

func newTestScheduler(fx *managerFixture) *Scheduler {
	cfg := &config.Config{}
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Interval = time.Hour
	return NewScheduler(fx.manager, fx.conns, fx.source, fx.checksums, cfg)
}

func waitForState(t *testing.T, fx *managerFixture, userID string, state entity.IndexState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := fx.statuses.Get(context.Background(), userID)
		return err == nil && st != nil && st.State == state
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerTriggersSilentReindex(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Fresh content to sync.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	s := newTestScheduler(fx)
	s.tick(context.Background())

	waitForState(t, fx, "u1", entity.IndexStateCompleted)

	// 静默触发：历史中不出现 PROCESSING 快照
	for _, snap := range fx.statuses.snapshots() {
		assert.NotEqual(t, entity.IndexStateProcessing, snap.State)
	}

	// 成功后记录校验和
	_, known := fx.checksums.Get("u1")
	assert.True(t, known)
}

func TestSchedulerSkipsUnchangedManifest(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Stable content.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	s := newTestScheduler(fx)
	s.tick(context.Background())
	waitForState(t, fx, "u1", entity.IndexStateCompleted)
	callsAfterFirst := source.calls()

	// 清单未变：第二个周期不触发重建
	s.tick(context.Background())
	// 只多一次校验和计算的列表调用，不走构建流水线
	assert.Equal(t, callsAfterFirst+1, source.calls())

	insertedBefore := len(fx.vector.nodesFor("u1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, insertedBefore, len(fx.vector.nodesFor("u1")))
}

func TestSchedulerReindexesOnManifestChange(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Version one.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))

	s := newTestScheduler(fx)
	s.tick(context.Background())
	waitForState(t, fx, "u1", entity.IndexStateCompleted)
	first, _ := fx.checksums.Get("u1")

	// 文件被修改
	modified := *f1
	modified.ModifiedTime = "2026-08-02T00:00:00Z"
	source.setFiles(&modified)
	source.setContent(f1.ID, "Version two.")

	// 上一轮 worker 仍占用运行槽时本周期会被跳过，重试到触发为止
	require.Eventually(t, func() bool {
		s.tick(context.Background())
		second, known := fx.checksums.Get("u1")
		return known && second != first
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSchedulerFailsOpenOnChecksumError(t *testing.T) {
	f1, c1 := textFile("file-a", "notes.txt", "Content behind a flaky listing.")
	source := newTestSource(f1)
	source.contents[f1.ID] = c1

	fx := newManagerFixture(source)
	require.NoError(t, fx.conns.Upsert(context.Background(), readyConnection("u1")))
	fx.checksums.Set("u1", "previously-known")

	// 校验和计算失败也必须触发重建，宁可多建不可漏同步
	source.setListErr(errors.New("listing temporarily broken"))

	s := newTestScheduler(fx)
	s.syncUser(context.Background(), "u1")

	// 重建本身也会因列表失败而失败，但关键是它被触发了
	waitForState(t, fx, "u1", entity.IndexStateFailed)
}

func TestSchedulerSkipsUnreadyConnections(t *testing.T) {
	source := newTestSource()
	fx := newManagerFixture(source)

	// 只配置了数据源，没有密钥
	conn := entity.NewUserConnection("u1")
	conn.DriveFolderID = "folder-1"
	require.NoError(t, fx.conns.Upsert(context.Background(), conn))

	s := newTestScheduler(fx)
	s.tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	st, err := fx.statuses.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestSchedulerDisabledRunReturns(t *testing.T) {
	fx := newManagerFixture(newTestSource())
	cfg := &config.Config{}
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Interval = time.Hour
	s := NewScheduler(fx.manager, fx.conns, fx.source, fx.checksums, cfg)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return immediately")
	}
}
