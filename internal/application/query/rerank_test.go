package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankReordersByModelScores(t *testing.T) {
	hits := hitsOf(scoredNode("A", 0.9), scoredNode("B", 0.8), scoredNode("C", 0.7))
	provider := &fakeModelProvider{model: &fakeChatModel{
		responses: []string{"1: 2\n2: 9\n3: 5"},
	}}
	r := NewReranker(provider, "openai")

	out := r.Rerank(context.Background(), "sk-test", "query", hits, 3)
	require.Len(t, out, 3)
	assert.Equal(t, "B", out[0].Node.ID)
	assert.Equal(t, "C", out[1].Node.ID)
	assert.Equal(t, "A", out[2].Node.ID)
}

func TestRerankToleratesBracketedIndices(t *testing.T) {
	hits := hitsOf(scoredNode("A", 0.9), scoredNode("B", 0.8))
	provider := &fakeModelProvider{model: &fakeChatModel{
		responses: []string{"[1]: 3\n[2]: 8"},
	}}
	r := NewReranker(provider, "openai")

	out := r.Rerank(context.Background(), "sk-test", "query", hits, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "B", out[0].Node.ID)
}

func TestRerankFailsOpenOnModelError(t *testing.T) {
	hits := hitsOf(scoredNode("A", 0.9), scoredNode("B", 0.8), scoredNode("C", 0.7))
	provider := &fakeModelProvider{model: &fakeChatModel{err: errors.New("model down")}}
	r := NewReranker(provider, "openai")

	out := r.Rerank(context.Background(), "sk-test", "query", hits, 2)
	require.Len(t, out, 2)
	// 保持合并顺序，仅截断
	assert.Equal(t, "A", out[0].Node.ID)
	assert.Equal(t, "B", out[1].Node.ID)
}

func TestRerankFailsOpenOnUnparseableOutput(t *testing.T) {
	hits := hitsOf(scoredNode("A", 0.9), scoredNode("B", 0.8))
	provider := &fakeModelProvider{model: &fakeChatModel{
		responses: []string{"I think the second passage is great."},
	}}
	r := NewReranker(provider, "openai")

	out := r.Rerank(context.Background(), "sk-test", "query", hits, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].Node.ID)
}

func TestRerankSkipsModelForTrivialInput(t *testing.T) {
	provider := &fakeModelProvider{model: &fakeChatModel{}}
	r := NewReranker(provider, "openai")

	single := hitsOf(scoredNode("A", 0.9))
	out := r.Rerank(context.Background(), "sk-test", "query", single, 5)
	require.Len(t, out, 1)
	assert.Zero(t, provider.model.callCount())

	assert.Empty(t, r.Rerank(context.Background(), "sk-test", "query", nil, 5))
}

func TestParseRerankScores(t *testing.T) {
	scores := parseRerankScores("1: 7.5\n\n2: 0\nnoise line\n3: 10", 3)
	require.NotNil(t, scores)
	assert.Equal(t, []float64{7.5, 0, 10}, scores)

	// 全部解析失败 → nil
	assert.Nil(t, parseRerankScores("no scores here", 3))
	// 越界序号被忽略
	scores = parseRerankScores("9: 5\n1: 2", 2)
	require.NotNil(t, scores)
	assert.Equal(t, []float64{2, 0}, scores)
}
