package indexstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
)

type stubLister struct {
	rows  []*milvus.SearchResult
	err   error
	calls int
}

func (l *stubLister) ListNodesByUser(_ context.Context, _ string) ([]*milvus.SearchResult, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.rows, nil
}

type stubStatusRepo struct {
	mu     sync.Mutex
	byUser map[string]*entity.IndexStatus
}

func newStubStatusRepo() *stubStatusRepo {
	return &stubStatusRepo{byUser: make(map[string]*entity.IndexStatus)}
}

func (r *stubStatusRepo) Get(_ context.Context, userID string) (*entity.IndexStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (r *stubStatusRepo) Upsert(_ context.Context, status *entity.IndexStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *status
	r.byUser[status.UserID] = &cp
	return nil
}

func (r *stubStatusRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
	return nil
}

func (r *stubStatusRepo) ListByState(_ context.Context, _ entity.IndexState) ([]*entity.IndexStatus, error) {
	return nil, nil
}

func TestEnsureReturnsCachedArtifacts(t *testing.T) {
	lister := &stubLister{}
	store := NewStore(lister, newStubStatusRepo())

	put := &Artifacts{BuiltAt: time.Now()}
	store.Put("u1", put)

	got, err := store.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	assert.Same(t, put, got)
	assert.Zero(t, lister.calls)
}

func TestEnsureNotReadyWithoutCompletedStatus(t *testing.T) {
	statuses := newStubStatusRepo()
	store := NewStore(&stubLister{}, statuses)

	_, err := store.Ensure(context.Background(), "u1")
	require.ErrorIs(t, err, ErrIndexNotReady)

	// PENDING 状态同样未就绪
	require.NoError(t, statuses.Upsert(context.Background(), entity.NewIndexStatus("u1")))
	_, err = store.Ensure(context.Background(), "u1")
	require.ErrorIs(t, err, ErrIndexNotReady)
}

func TestEnsureRebuildsFromVectorStore(t *testing.T) {
	statuses := newStubStatusRepo()
	completed := entity.NewIndexStatus("u1")
	completed.MarkCompleted(1, 2)
	require.NoError(t, statuses.Upsert(context.Background(), completed))

	lister := &stubLister{rows: []*milvus.SearchResult{
		{ID: "n1", FileID: "f1", FileName: "notes.txt", TextContent: "first chunk", PageNumber: 1},
		{ID: "n2", FileID: "f1", FileName: "notes.txt", TextContent: "second chunk", PageNumber: 1},
	}}
	store := NewStore(lister, statuses)

	got, err := store.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "u1", got.Nodes[0].UserID)
	assert.Equal(t, "first chunk", got.Nodes[0].Text)
	require.Len(t, got.Catalog, 1)
	assert.Equal(t, "notes", got.Catalog[0].Name)

	// 第二次命中内存，不再回源
	_, err = store.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls)
}

func TestEvictForcesRebuild(t *testing.T) {
	statuses := newStubStatusRepo()
	completed := entity.NewIndexStatus("u1")
	completed.MarkCompleted(0, 0)
	require.NoError(t, statuses.Upsert(context.Background(), completed))

	lister := &stubLister{}
	store := NewStore(lister, statuses)

	_, err := store.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	store.Evict("u1")
	_, err = store.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}
