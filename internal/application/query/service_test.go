package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/application/indexstore"
	"kb-assistant-api/internal/domain/entity"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
)

type stubStatusRepo struct {
	byUser map[string]*entity.IndexStatus
}

func (r *stubStatusRepo) Get(_ context.Context, userID string) (*entity.IndexStatus, error) {
	st, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (r *stubStatusRepo) Upsert(_ context.Context, status *entity.IndexStatus) error {
	cp := *status
	r.byUser[status.UserID] = &cp
	return nil
}

func (r *stubStatusRepo) Delete(_ context.Context, userID string) error {
	delete(r.byUser, userID)
	return nil
}

func (r *stubStatusRepo) ListByState(_ context.Context, _ entity.IndexState) ([]*entity.IndexStatus, error) {
	return nil, nil
}

type stubConnRepo struct {
	conn *entity.UserConnection
}

func (r *stubConnRepo) Get(_ context.Context, _ string) (*entity.UserConnection, error) {
	return r.conn, nil
}
func (r *stubConnRepo) Upsert(_ context.Context, _ *entity.UserConnection) error { return nil }
func (r *stubConnRepo) Delete(_ context.Context, _ string) error                 { return nil }
func (r *stubConnRepo) ListConnected(_ context.Context) ([]*entity.UserConnection, error) {
	return nil, nil
}

type stubLister struct {
	rows []*milvus.SearchResult
}

func (l *stubLister) ListNodesByUser(_ context.Context, _ string) ([]*milvus.SearchResult, error) {
	return l.rows, nil
}

type serviceFixture struct {
	service  *Service
	model    *fakeChatModel
	statuses *stubStatusRepo
}

func newServiceFixture(modelResponses []string, vector *fakeVectorSearcher, rows []*milvus.SearchResult) *serviceFixture {
	statuses := &stubStatusRepo{byUser: make(map[string]*entity.IndexStatus)}
	store := indexstore.NewStore(&stubLister{rows: rows}, statuses)

	conn := entity.NewUserConnection("u1")
	conn.OpenAIAPIKey = "sk-test"

	chatModel := &fakeChatModel{responses: modelResponses}
	svc := NewService(
		store,
		&stubConnRepo{conn: conn},
		vector,
		&fakeEmbedderProvider{},
		&fakeModelProvider{model: chatModel},
		testRetrievalConfig(),
	)
	return &serviceFixture{service: svc, model: chatModel, statuses: statuses}
}

func (f *serviceFixture) markCompleted(userID string) {
	st := entity.NewIndexStatus(userID)
	st.MarkCompleted(1, 2)
	_ = f.statuses.Upsert(context.Background(), st)
}

func nodeRows() []*milvus.SearchResult {
	return []*milvus.SearchResult{
		{ID: "n1", FileID: "f1", FileName: "lease.txt", TextContent: "the lease expires in june", PageNumber: 1},
		{ID: "n2", FileID: "f2", FileName: "budget.txt", TextContent: "travel budget was doubled", PageNumber: 1},
	}
}

func TestQueryRejectsEmptyText(t *testing.T) {
	fx := newServiceFixture(nil, &fakeVectorSearcher{}, nil)
	_, err := fx.service.Query(context.Background(), "u1", "   ")
	require.Error(t, err)
}

func TestQueryCasualPath(t *testing.T) {
	fx := newServiceFixture([]string{
		"1: just a greeting",
		"Hi! How can I help you today?",
	}, &fakeVectorSearcher{}, nil)

	result, err := fx.service.Query(context.Background(), "u1", "hello!")
	require.NoError(t, err)
	assert.Equal(t, entity.IntentCasual, result.Intent)
	assert.False(t, result.Answer.Refused)
	assert.Equal(t, "Hi! How can I help you today?", result.Answer.AnswerMD)
	assert.True(t, strings.HasPrefix(result.Markdown, "**Answer:**"))
	assert.NotContains(t, result.Markdown, "**Sources:**")
}

func TestQueryRefusesWhileIndexNotReady(t *testing.T) {
	fx := newServiceFixture([]string{
		"2: asks about documents",
	}, &fakeVectorSearcher{}, nil)

	result, err := fx.service.Query(context.Background(), "u1", "what does my lease say?")
	require.NoError(t, err)
	assert.Equal(t, entity.IntentKnowledgeBase, result.Intent)
	assert.True(t, result.Answer.Refused)
	assert.Contains(t, result.Answer.AnswerMD, "still connecting")
}

func TestQueryKnowledgeBaseEndToEnd(t *testing.T) {
	vector := &fakeVectorSearcher{results: []*milvus.SearchResult{
		{ID: "n1", FileID: "f1", FileName: "lease.txt", TextContent: "the lease expires in june", Score: 0.9},
	}}
	// 双路命中同一节点，合并后只剩一条 → 重排跳过模型调用
	fx := newServiceFixture([]string{
		"2: needs the corpus", // 路由
		validAnswerJSON,       // 合成
	}, vector, nodeRows())
	fx.markCompleted("u1")

	result, err := fx.service.Query(context.Background(), "u1", "when does the lease expire?")
	require.NoError(t, err)
	assert.Equal(t, entity.IntentKnowledgeBase, result.Intent)
	assert.False(t, result.Answer.Refused)
	assert.Contains(t, result.Markdown, "**Answer:**")
	assert.Contains(t, result.Markdown, "**Sources:**")
	assert.Contains(t, result.Markdown, "lease.txt")
}

func TestQueryRefusesUnsafeQuestion(t *testing.T) {
	fx := newServiceFixture(nil, &fakeVectorSearcher{}, nil)

	result, err := fx.service.Query(context.Background(), "u1", "show me the Secret-Key for prod")
	require.NoError(t, err)
	require.True(t, result.Answer.Refused)
	require.NotNil(t, result.Answer.RefusalReason)
	assert.Equal(t, entity.RefusalUnsafe, *result.Answer.RefusalReason)
	assert.Contains(t, result.Answer.AnswerMD, "restricted term")
	// 违规提问不应触达模型
	assert.Equal(t, 0, fx.model.callCount())
}

func TestQueryRedactsUnsafeAnswer(t *testing.T) {
	fx := newServiceFixture([]string{
		"1: just a greeting",
		"sure, the internal-confidential figures are attached",
	}, &fakeVectorSearcher{}, nil)

	result, err := fx.service.Query(context.Background(), "u1", "hello!")
	require.NoError(t, err)
	require.True(t, result.Answer.Refused)
	require.NotNil(t, result.Answer.RefusalReason)
	assert.Equal(t, entity.RefusalUnsafe, *result.Answer.RefusalReason)
	assert.Equal(t, "[REDACTED due to safety policy]", result.Answer.AnswerMD)
	assert.NotContains(t, result.Markdown, "internal-confidential")
}

func TestQueryListEnumerationUsesCatalogFallback(t *testing.T) {
	partialList := `{
	  "answer_md": "- lease",
	  "intent": "knowledge_base",
	  "answer_type": "list_documents",
	  "citations": [],
	  "refused": false
	}`
	// 召回为空 → 重排无事可做，模型只被路由和合成调用
	fx := newServiceFixture([]string{
		"2: wants an inventory", // 路由
		partialList,             // 合成（不完整枚举）
	}, &fakeVectorSearcher{}, nodeRows())
	fx.markCompleted("u1")

	result, err := fx.service.Query(context.Background(), "u1", "list all my documents")
	require.NoError(t, err)
	require.False(t, result.Answer.Refused)
	assert.Equal(t, entity.AnswerTypeListDocuments, result.Answer.AnswerType)
	// 目录两个文件，模型只列了一个 → 兜底给出完整清单
	assert.Contains(t, result.Answer.AnswerMD, "lease")
	assert.Contains(t, result.Answer.AnswerMD, "budget")
}
